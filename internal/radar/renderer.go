package radar

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

var (
	colorBright   = lipgloss.Color("#00FF41")
	colorMid      = lipgloss.Color("#008F11")
	colorDim      = lipgloss.Color("#004A0A")
	colorBeacon   = lipgloss.Color("#00FFAA")
	colorCalib    = lipgloss.Color("#FFCC00")
	colorWarning  = lipgloss.Color("#FFAA00")
	colorLabelDim = lipgloss.Color("#008F11")

	styleGrid     = lipgloss.NewStyle().Foreground(colorDim)
	styleTraject  = lipgloss.NewStyle().Foreground(colorMid)
	styleTrail    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AA22"))
	styleExpPos   = lipgloss.NewStyle().Foreground(colorMid).Bold(true)
	styleBeacon   = lipgloss.NewStyle().Foreground(colorBeacon).Bold(true)
	styleCalib    = lipgloss.NewStyle().Foreground(colorCalib)
	styleCalibSel = lipgloss.NewStyle().Foreground(lipgloss.Color("#000000")).Background(colorCalib).Bold(true)
	styleCalibOK  = lipgloss.NewStyle().Foreground(colorDim)
	styleNode     = lipgloss.NewStyle().Foreground(colorBright).Bold(true)
	styleNodeDim  = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleLabel    = lipgloss.NewStyle().Foreground(colorBeacon)
	styleLabelDim = lipgloss.NewStyle().Foreground(colorLabelDim)
	styleLegend   = lipgloss.NewStyle().Foreground(colorMid)
)

// margin around the drawn content, cm
const margin = 60.0

// Scene is everything the floor map shows.
type Scene struct {
	Beacons      []model.BeaconData
	Experimental []model.ExperimentalPosition
	Trajects     []model.ExperimentalTraject
	Calibration  []model.CalibrationPosition
	Selected     int // index into Calibration, -1 for none
	Validated    map[uint8]bool
	Trail        []model.Position
	Position     model.Position
	HasPosition  bool
}

// points returns every position the frame must contain.
func (s Scene) points() []model.Position {
	var pts []model.Position
	for _, b := range s.Beacons {
		pts = append(pts, b.Position)
	}
	for _, e := range s.Experimental {
		pts = append(pts, e.Position)
	}
	for _, tr := range s.Trajects {
		pts = append(pts, tr.Positions...)
	}
	for _, c := range s.Calibration {
		pts = append(pts, c.Position)
	}
	if s.HasPosition {
		pts = append(pts, s.Position)
	}
	return pts
}

type cell struct {
	ch    string
	style lipgloss.Style
	set   bool
}

type canvas struct {
	w, h  int
	cells []cell
}

func newCanvas(w, h int) *canvas {
	return &canvas{w: w, h: h, cells: make([]cell, w*h)}
}

func (c *canvas) put(col, row int, ch string, style lipgloss.Style) {
	if col < 0 || col >= c.w || row < 0 || row >= c.h {
		return
	}
	c.cells[row*c.w+col] = cell{ch: ch, style: style, set: true}
}

func (c *canvas) text(col, row int, s string, style lipgloss.Style) {
	for i := 0; i < len(s); i++ {
		c.put(col+i, row, string(s[i]), style)
	}
}

// Render draws the floor map, later layers over earlier ones: grid,
// reference paths, trail, reference positions, calibration positions,
// beacons with labels, node.
func Render(width, height int, s Scene, pulse *Pulse) string {
	if width < 10 || height < 5 {
		return ""
	}
	f := Fit(s.points(), margin, width, height)
	cv := newCanvas(width, height)

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			v, h := f.OnGrid(col, row, config.GridStep)
			switch {
			case v && h:
				cv.put(col, row, "+", styleGrid)
			case v || h:
				cv.put(col, row, ".", styleGrid)
			}
		}
	}

	for _, tr := range s.Trajects {
		for i := 1; i < len(tr.Positions); i++ {
			c0, r0, _ := f.Project(tr.Positions[i-1])
			c1, r1, _ := f.Project(tr.Positions[i])
			for _, p := range Line(c0, r0, c1, r1) {
				cv.put(p[0], p[1], "-", styleTraject)
			}
		}
	}

	for _, p := range s.Trail {
		if col, row, ok := f.Project(p); ok {
			cv.put(col, row, "o", styleTrail)
		}
	}

	for _, e := range s.Experimental {
		if col, row, ok := f.Project(e.Position); ok {
			cv.put(col, row, "x", styleExpPos)
		}
	}

	for i, c := range s.Calibration {
		col, row, ok := f.Project(c.Position)
		if !ok {
			continue
		}
		mark := calibMark(c.ID)
		switch {
		case i == s.Selected:
			cv.put(col, row, mark, styleCalibSel)
		case s.Validated[c.ID]:
			cv.put(col, row, mark, styleCalibOK)
		default:
			cv.put(col, row, mark, styleCalib)
		}
	}

	occ := occupancy{}
	for _, b := range s.Beacons {
		col, row, ok := f.Project(b.Position)
		if !ok {
			continue
		}
		cv.put(col, row, "*", styleBeacon)
		occ.mark(row, col, col+1)
		if lc, lr, ok := occ.place(col, row, b.ID, width); ok {
			cv.text(lc, lr, b.ID, styleLabel)
		}
	}

	if s.HasPosition {
		if col, row, ok := f.Project(s.Position); ok {
			style := styleNodeDim
			if pulse == nil || pulse.Intensity() > 0.5 {
				style = styleNode
			}
			cv.put(col, row, "@", style)
			if lc, lr, ok := occ.place(col, row, s.Position.String(), width); ok {
				cv.text(lc, lr, s.Position.String(), styleLabelDim)
			}
		}
	}

	var sb strings.Builder
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			c := cv.cells[row*width+col]
			if !c.set {
				sb.WriteByte(' ')
				continue
			}
			sb.WriteString(c.style.Render(c.ch))
		}
		if row < height-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// calibMark is the single character drawn for a calibration position.
func calibMark(id uint8) string {
	if id < 10 {
		return fmt.Sprintf("%d", id)
	}
	return "C"
}

type segment struct{ start, end int }

// occupancy tracks the row segments already used by symbols and labels.
type occupancy map[int][]segment

func (o occupancy) mark(row, start, end int) {
	o[row] = append(o[row], segment{start, end})
}

func (o occupancy) free(row, start, end int) bool {
	for _, seg := range o[row] {
		if start < seg.end && end > seg.start {
			return false
		}
	}
	return true
}

// place finds room for a label next to (col, row): right of the symbol,
// or left when it would overflow, then one row below, then one row above.
func (o occupancy) place(col, row int, label string, width int) (int, int, bool) {
	lc := col + 2
	if lc+len(label) >= width {
		lc = col - len(label) - 1
	}
	if lc < 0 {
		lc = 0
	}
	for _, lr := range []int{row, row + 1, row - 1} {
		if o.free(lr, lc, lc+len(label)) {
			o.mark(lr, lc, lc+len(label))
			return lc, lr, true
		}
	}
	return 0, 0, false
}

// RenderLegend produces the floor map legend line.
func RenderLegend(width int) string {
	legend := styleBeacon.Render("* beacon") + "  " +
		styleNode.Render("@ node") + "  " +
		styleTrail.Render("o trail") + "  " +
		styleExpPos.Render("x reference") + "  " +
		styleCalib.Render("0-9 calibration") + "  " +
		styleLegend.Render(fmt.Sprintf("grid %.0fcm", config.GridStep))

	pad := (width - lipgloss.Width(legend)) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + legend
}
