package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ble-locator.klederson.com/internal/model"
)

// Status is what the bottom bar reports.
type Status struct {
	Connected   bool
	Beacons     int
	Position    model.Position
	HasPosition bool
	Load        model.Load
	Date        uint32 // node clock, unix seconds
	Message     string
}

// RenderStatusBar renders the bottom status bar.
func RenderStatusBar(width int, s Status) string {
	state := StyleStatusOffline.Render("[WAITING NODE]")
	if s.Connected {
		state = StyleStatusOnline.Render("[LINKED]")
	}

	pos := "--"
	if s.HasPosition {
		pos = s.Position.String()
	}
	date := "--"
	if s.Date != 0 {
		date = time.Unix(int64(s.Date), 0).UTC().Format("15:04:05")
	}

	info := fmt.Sprintf(" Beacons: %d  Position: %s  CPU: %s  Mem: %s  Node clock: %s",
		s.Beacons, pos, percent(s.Load.Processor), percent(s.Load.Memory), date)
	if s.Message != "" {
		info += "  | " + s.Message
	}

	if room := width - 4 - lipgloss.Width(state); room >= 0 && len(info) > room {
		info = info[:room]
	}
	content := state + StyleStatusBar.Foreground(ColorGreen).Render(info)

	gap := width - 2 - lipgloss.Width(content) // padding
	if gap < 0 {
		gap = 0
	}
	return StyleStatusBar.Width(width).Render(content + strings.Repeat(" ", gap))
}

func percent(v float32) string {
	if v == model.LoadUnavailable {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", v)
}
