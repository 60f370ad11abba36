package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ComposeLayout joins the floor map and the side column horizontally, with
// menu bar on top and status bar on bottom.
func ComposeLayout(menuBar, mapPanel, side, statusBar string) string {
	middle := lipgloss.JoinHorizontal(lipgloss.Top, mapPanel, side)
	return lipgloss.JoinVertical(lipgloss.Left, menuBar, middle, statusBar)
}

// RenderMapPanel wraps floor map content with a styled border.
func RenderMapPanel(width, height int, title, content, legend string) string {
	body := StylePanelTitle.Render(title) + "\n" + content + "\n" + legend
	return StylePanelBorder.Width(width - 2).Height(height - 2).Render(body)
}

// clampLines pads or truncates rendered to exactly height lines. lipgloss
// Height only sets a minimum.
func clampLines(rendered string, height int) string {
	lines := strings.Split(rendered, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// truncRaw pads or truncates a raw string to exactly w characters.
func truncRaw(s string, w int) string {
	if len(s) > w {
		return s[:w]
	}
	if len(s) < w {
		return s + strings.Repeat(" ", w-len(s))
	}
	return s
}
