package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/graywater/streamvis/internal/gauges"
)

// Color palette, defined to work on both light and dark terminals.
var (
	colorTitle  = lipgloss.AdaptiveColor{Light: "#0087D7", Dark: "#5FAFFF"}
	colorSubtle = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"}
	colorChart  = lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#87D7FF"}

	colorNormal   = lipgloss.AdaptiveColor{Light: "#00AF87", Dark: "#00D787"}
	colorAction   = lipgloss.AdaptiveColor{Light: "#D7AF00", Dark: "#FFD700"}
	colorMinor    = lipgloss.AdaptiveColor{Light: "#D75F00", Dark: "#FF8700"}
	colorModerate = lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F5F"}
	colorMajor    = lipgloss.AdaptiveColor{Light: "#AF00AF", Dark: "#FF5FFF"}
)

// Text styles for the dashboard elements.
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorTitle)

	styleHeader = lipgloss.NewStyle().
			Underline(true)

	styleBold = lipgloss.NewStyle().
			Bold(true)

	styleSubtle = lipgloss.NewStyle().
			Foreground(colorSubtle)

	styleChart = lipgloss.NewStyle().
			Foreground(colorChart)

	styleError = lipgloss.NewStyle().
			Foreground(colorModerate).
			Bold(true)
)

// statusStyle maps a flood classification to its row style.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case gauges.StatusMajor:
		return lipgloss.NewStyle().Foreground(colorMajor).Bold(true)
	case gauges.StatusModerate:
		return lipgloss.NewStyle().Foreground(colorModerate).Bold(true)
	case gauges.StatusMinor:
		return lipgloss.NewStyle().Foreground(colorMinor)
	case gauges.StatusAction:
		return lipgloss.NewStyle().Foreground(colorAction)
	default:
		return lipgloss.NewStyle().Foreground(colorNormal)
	}
}
