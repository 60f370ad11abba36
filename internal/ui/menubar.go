package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-locator.klederson.com/internal/config"
)

// RenderMenuBar renders the top menu bar. help is the rendered short key
// help.
func RenderMenuBar(width int, addr string, connected bool, help string) string {
	title := fmt.Sprintf(" %s v%s ", config.AppName, config.AppVersion)

	status := StyleStatusOffline.Render("OFFLINE")
	if connected {
		status = StyleStatusOnline.Render("ONLINE")
	}
	nodeInfo := StyleMenuLabel.Render(fmt.Sprintf("Node: %s", addr))

	right := status + "  " + nodeInfo + " "
	left := StyleMenuKey.Render(title)
	if lipgloss.Width(left)+2+lipgloss.Width(help)+lipgloss.Width(right)+2 <= width {
		left += "  " + help
	}

	gap := width - 2 - lipgloss.Width(left) - lipgloss.Width(right) // padding
	if gap < 0 {
		gap = 0
	}
	return StyleMenuBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
