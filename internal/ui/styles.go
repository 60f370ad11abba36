package ui

import "github.com/charmbracelet/lipgloss"

// Matrix color palette
var (
	ColorMatrixGreen  = lipgloss.Color("#00FF41")
	ColorGreen        = lipgloss.Color("#00CC33")
	ColorMidGreen     = lipgloss.Color("#008F11")
	ColorDimGreen     = lipgloss.Color("#004A0A")
	ColorBlack        = lipgloss.Color("#000000")
	ColorBeacon       = lipgloss.Color("#00FFAA")
	ColorCalibration  = lipgloss.Color("#FFCC00")
	ColorBorderBright = lipgloss.Color("#00FF41")
	ColorBorderNorm   = lipgloss.Color("#00AA22")
	ColorError        = lipgloss.Color("#FF3300")
	ColorWarning      = lipgloss.Color("#FFAA00")
)

// Pre-built styles
var (
	StyleMenuBar = lipgloss.NewStyle().
			Background(lipgloss.Color("#002200")).
			Foreground(ColorMatrixGreen).
			Bold(true).
			Padding(0, 1)

	StyleMenuKey = lipgloss.NewStyle().
			Foreground(ColorMatrixGreen).
			Bold(true)

	StyleMenuLabel = lipgloss.NewStyle().
			Foreground(ColorGreen)

	StyleStatusBar = lipgloss.NewStyle().
			Background(lipgloss.Color("#002200")).
			Foreground(ColorGreen).
			Padding(0, 1)

	StyleStatusOnline = lipgloss.NewStyle().
				Foreground(ColorMatrixGreen).
				Bold(true)

	StyleStatusOffline = lipgloss.NewStyle().
				Foreground(ColorWarning).
				Bold(true)

	StylePanelBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorBorderNorm)

	StylePanelActive = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorBorderBright)

	StylePanelTitle = lipgloss.NewStyle().
			Foreground(ColorMatrixGreen).
			Bold(true).
			Padding(0, 1)

	StyleBeaconID = lipgloss.NewStyle().
			Foreground(ColorBeacon).
			Bold(true)

	StyleBeaconPos = lipgloss.NewStyle().
			Foreground(ColorMidGreen)

	StyleBeaconPower = lipgloss.NewStyle().
				Foreground(ColorGreen)

	StyleCalibration = lipgloss.NewStyle().
				Foreground(ColorCalibration)

	StyleSeparator = lipgloss.NewStyle().
			Foreground(ColorMidGreen)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorMidGreen)

	StyleValue = lipgloss.NewStyle().
			Foreground(ColorMatrixGreen).
			Bold(true)

	StyleHelp = lipgloss.NewStyle().
			Foreground(ColorDimGreen)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorError)

	StyleCheckOn = lipgloss.NewStyle().
			Foreground(ColorGreen)

	StyleCheckOff = lipgloss.NewStyle().
			Foreground(ColorDimGreen)
)

// Cursor row style: black text on bright green
var cursorRowSty = lipgloss.NewStyle().
	Foreground(ColorBlack).
	Background(ColorMatrixGreen).
	Bold(true)
