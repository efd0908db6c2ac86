package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the color palette for the TUI.
type Theme struct {
	TextPrimary lipgloss.Color
	TextDim     lipgloss.Color
	TextMuted   lipgloss.Color

	Border lipgloss.Color

	Accent  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color
}

// DefaultTheme is a Tokyo Night style dark palette.
var DefaultTheme = Theme{
	TextPrimary: lipgloss.Color("#c0caf5"),
	TextDim:     lipgloss.Color("#565f89"),
	TextMuted:   lipgloss.Color("#414868"),

	Border: lipgloss.Color("#414868"),

	Accent:  lipgloss.Color("#7aa2f7"),
	Success: lipgloss.Color("#9ece6a"),
	Warning: lipgloss.Color("#e0af68"),
	Error:   lipgloss.Color("#f7768e"),
	Info:    lipgloss.Color("#7dcfff"),
}

// Styles provides pre-configured lipgloss styles using the theme.
type Styles struct {
	Base    lipgloss.Style
	Dim     lipgloss.Style
	Title   lipgloss.Style
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Changed lipgloss.Style

	KeyBinding lipgloss.Style
	KeyHint    lipgloss.Style
	Box        lipgloss.Style
}

// NewStyles creates a new Styles instance from a Theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Base: lipgloss.NewStyle().Foreground(t.TextPrimary),
		Dim:  lipgloss.NewStyle().Foreground(t.TextDim),
		Title: lipgloss.NewStyle().
			Foreground(t.Accent).
			Bold(true).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Foreground(t.TextDim).
			Bold(true),
		Success: lipgloss.NewStyle().Foreground(t.Success),
		Warning: lipgloss.NewStyle().Foreground(t.Warning),
		Error:   lipgloss.NewStyle().Foreground(t.Error),
		Changed: lipgloss.NewStyle().Foreground(t.Info).Bold(true),

		KeyBinding: lipgloss.NewStyle().
			Foreground(t.Accent).
			Bold(true),
		KeyHint: lipgloss.NewStyle().
			Foreground(t.TextDim),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),
	}
}

// DefaultStyles returns styles using the default theme.
var DefaultStyles = NewStyles(DefaultTheme)

// StatusIcon returns a colored status indicator.
func StatusIcon(status string, s Styles) string {
	switch status {
	case "ok":
		return s.Success.Render("●")
	case "error":
		return s.Error.Render("●")
	case "paused":
		return s.Warning.Render("●")
	default:
		return s.Dim.Render("○")
	}
}
