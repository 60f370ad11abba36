package ui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-locator.klederson.com/internal/locate"
	"ble-locator.klederson.com/internal/model"
)

// RenderBeaconList renders the beacons of the last cycle with their power,
// coefficient and the distance the node derives from them.
func RenderBeaconList(beacons []model.BeaconData, calc locate.Calculator, width, height int) string {
	innerW := width - 4
	if innerW < 10 {
		innerW = 10
	}
	innerH := height - 2
	if innerH < 3 {
		innerH = 3
	}

	lines := []string{
		StylePanelTitle.Render(fmt.Sprintf("BEACONS [%d]", len(beacons))),
		StyleSeparator.Render(strings.Repeat("-", innerW)),
	}
	if len(beacons) == 0 {
		lines = append(lines, "", StyleHelp.Render(" No beacons..."), StyleHelp.Render(" Waiting for telemetry"))
	}
	for _, b := range beacons {
		dist := calc.DistanceFromPower(float64(b.Power), float64(b.Coefficient))
		raw1 := truncRaw(fmt.Sprintf(" %s %s", b.ID, b.Position), innerW)
		raw2 := truncRaw(fmt.Sprintf("    %4.0fdBm  n=%.2f  ~%s", b.Power, b.Coefficient, formatDistance(dist)), innerW)

		line1 := StyleBeaconID.Render(raw1[:3]) + StyleBeaconPos.Render(raw1[3:])
		lines = append(lines, line1, "    "+renderSignalBar(float64(b.Power), max(innerW-16, 6))+" "+StyleBeaconPower.Render(strings.TrimSpace(raw2)))
	}

	content := strings.Join(lines, "\n")
	return clampLines(StylePanelBorder.Width(width-2).Height(innerH).Render(content), height)
}

func formatDistance(cm float64) string {
	if math.IsInf(cm, 0) || math.IsNaN(cm) {
		return "?"
	}
	return fmt.Sprintf("%.1fm", cm/100)
}

func renderSignalBar(rssi float64, width int) string {
	// Map RSSI -100..-30 to 0..width filled bars
	ratio := (rssi + 100.0) / 70.0
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(math.Round(ratio * float64(width)))

	bar := strings.Repeat("|", filled) + strings.Repeat("-", width-filled)
	filledPart := lipgloss.NewStyle().Foreground(lipgloss.Color(proximityColor(rssi))).Render(bar[:filled])
	emptyPart := lipgloss.NewStyle().Foreground(ColorDimGreen).Render(bar[filled:])
	return StyleHelp.Render("[") + filledPart + emptyPart + StyleHelp.Render("]")
}

// proximityColor maps RSSI to a green shade (brighter = closer).
func proximityColor(rssi float64) string {
	if rssi > -50 {
		return "#00FF41"
	}
	if rssi > -60 {
		return "#00CC33"
	}
	if rssi > -70 {
		return "#00AA22"
	}
	if rssi > -80 {
		return "#008F11"
	}
	return "#005511"
}
