package radar

import (
	"math"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

// Frame maps floor centimeters to terminal cells. Row 0 is the top of the
// floor (largest Y).
type Frame struct {
	MinX, MaxY float64
	CmPerCol   float64
	Width      int
	Height     int
}

// Fit returns the frame showing every point with margin centimeters around
// them, keeping the floor proportions despite the terminal aspect ratio.
func Fit(points []model.Position, margin float64, width, height int) Frame {
	minX, minY, maxX, maxY := 0.0, 0.0, config.GridStep*3, config.GridStep*3
	if len(points) > 0 {
		minX, maxX = float64(points[0].X), float64(points[0].X)
		minY, maxY = float64(points[0].Y), float64(points[0].Y)
		for _, p := range points[1:] {
			minX = math.Min(minX, float64(p.X))
			maxX = math.Max(maxX, float64(p.X))
			minY = math.Min(minY, float64(p.Y))
			maxY = math.Max(maxY, float64(p.Y))
		}
	}
	minX, maxX = minX-margin, maxX+margin
	minY, maxY = minY-margin, maxY+margin

	cols := float64(max(width-1, 1))
	rows := float64(max(height-1, 1))
	cm := math.Max((maxX-minX)/cols, (maxY-minY)*config.AspectRatio/rows)
	if cm <= 0 {
		cm = 1
	}

	// center the content
	spanX := cm * cols
	spanY := cm / config.AspectRatio * rows
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	return Frame{
		MinX:     cx - spanX/2,
		MaxY:     cy + spanY/2,
		CmPerCol: cm,
		Width:    width,
		Height:   height,
	}
}

// CmPerRow is the vertical cell size.
func (f Frame) CmPerRow() float64 { return f.CmPerCol / config.AspectRatio }

// Project returns the cell of p and whether it lies inside the frame.
func (f Frame) Project(p model.Position) (col, row int, ok bool) {
	col = int(math.Round((float64(p.X) - f.MinX) / f.CmPerCol))
	row = int(math.Round((f.MaxY - float64(p.Y)) / f.CmPerRow()))
	ok = col >= 0 && col < f.Width && row >= 0 && row < f.Height
	return col, row, ok
}

// Unproject returns the floor point at the center of a cell.
func (f Frame) Unproject(col, row int) (x, y float64) {
	return f.MinX + float64(col)*f.CmPerCol, f.MaxY - float64(row)*f.CmPerRow()
}

// OnGrid reports whether the cell crosses a grid line of step centimeters,
// vertically and horizontally.
func (f Frame) OnGrid(col, row int, step float64) (vertical, horizontal bool) {
	x, y := f.Unproject(col, row)
	vertical = crosses(x, f.CmPerCol, step)
	horizontal = crosses(y, f.CmPerRow(), step)
	return vertical, horizontal
}

func crosses(v, cell, step float64) bool {
	r := math.Mod(v, step)
	if r < 0 {
		r += step
	}
	return r < cell/2 || step-r <= cell/2
}

// Line returns the cells between two points, endpoints included.
func Line(c0, r0, c1, r1 int) [][2]int {
	dc, dr := intAbs(c1-c0), -intAbs(r1-r0)
	sc, sr := 1, 1
	if c0 > c1 {
		sc = -1
	}
	if r0 > r1 {
		sr = -1
	}
	e := dc + dr
	var out [][2]int
	for {
		out = append(out, [2]int{c0, r0})
		if c0 == c1 && r0 == r1 {
			return out
		}
		e2 := 2 * e
		if e2 >= dr {
			e += dr
			c0 += sc
		}
		if e2 <= dc {
			e += dc
			r0 += sr
		}
	}
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
