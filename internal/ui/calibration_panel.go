package ui

import (
	"fmt"
	"strings"

	"ble-locator.klederson.com/internal/model"
)

// CalibrationView is the calibration workflow as seen by the console.
type CalibrationView struct {
	Positions []model.CalibrationPosition
	Cursor    int
	Validated map[uint8]bool
	Pending   bool // a position was sent and is being sampled
	Active    bool
	Results   []model.CalibrationData
}

// RenderCalibrationPanel renders the calibration positions with a cursor,
// the averaged coefficients of the last run and the processor load history.
func RenderCalibrationPanel(v CalibrationView, cpu []float64, width, height int) string {
	innerW := width - 4
	if innerW < 10 {
		innerW = 10
	}
	innerH := height - 2
	if innerH < 3 {
		innerH = 3
	}

	state := "idle"
	switch {
	case v.Pending:
		state = "sampling"
	case v.Active:
		state = "walk"
	}
	lines := []string{
		StylePanelTitle.Render("CALIBRATION") + StyleHelp.Render("["+state+"]"),
		StyleSeparator.Render(strings.Repeat("-", innerW)),
	}

	if len(v.Positions) == 0 {
		lines = append(lines, StyleHelp.Render(" Press c to start"))
	}
	for i, p := range v.Positions {
		check := StyleCheckOff.Render("[ ]")
		if v.Validated[p.ID] {
			check = StyleCheckOn.Render("[x]")
		}
		raw := truncRaw(fmt.Sprintf(" #%-3d %s", p.ID, p.Position), innerW-4)
		if i == v.Cursor && v.Active {
			lines = append(lines, check+cursorRowSty.Render(raw))
		} else {
			lines = append(lines, check+StyleCalibration.Render(raw))
		}
	}

	if len(v.Results) > 0 {
		lines = append(lines, "", StyleLabel.Render(" Averages:"))
		for _, r := range v.Results {
			lines = append(lines, fmt.Sprintf("  %s %s %s",
				StyleBeaconID.Render(r.BeaconID),
				StyleValue.Render(fmt.Sprintf("%.3f", r.Average)),
				StyleHelp.Render(fmt.Sprintf("(%d samples)", len(r.Samples)))))
		}
	}

	if len(cpu) > 0 {
		lines = append(lines, "", StyleLabel.Render(" CPU history:"))
		lines = append(lines, "  "+StyleCheckOn.Render(renderSparkline(cpu, innerW-4)))
	}

	content := strings.Join(lines, "\n")
	return clampLines(StylePanelBorder.Width(width-2).Height(innerH).Render(content), height)
}

func renderSparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}

	chars := []byte{'_', '.', '-', '~', '^'}

	// Find min/max for scaling
	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	rng := maxV - minV
	if rng < 1 {
		rng = 1
	}

	// Take last `width` values
	start := 0
	if len(values) > width {
		start = len(values) - width
	}

	var sb strings.Builder
	for i := start; i < len(values); i++ {
		idx := int((values[i] - minV) / rng * float64(len(chars)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(chars) {
			idx = len(chars) - 1
		}
		sb.WriteByte(chars[idx])
	}

	return sb.String()
}
