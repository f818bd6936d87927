package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpn-orchestrator/vpn"
)

// Palette shared by every view. Greens mean connected, ambers mean an
// attempt in progress and reds mean an error.
var (
	colorConnected  = lipgloss.Color("#2ec27e")
	colorConnecting = lipgloss.Color("#e5a50a")
	colorError      = lipgloss.Color("#e01b24")
	colorAccent     = lipgloss.Color("#3584e4")
	colorDim        = lipgloss.AdaptiveColor{Light: "#5e5c64", Dark: "#9a9996"}
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Width(10)

	valueStyle = lipgloss.NewStyle().Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)
)

// StateStyle returns the style used to render a state badge.
func StateStyle(s vpn.State) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s.Kind {
	case vpn.Connected:
		return base.Foreground(colorConnected)
	case vpn.Error:
		return base.Foreground(colorError)
	case vpn.Disabled:
		return base.Foreground(colorDim)
	default:
		return base.Foreground(colorConnecting)
	}
}
