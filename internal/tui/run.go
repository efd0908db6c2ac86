package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the watch TUI and blocks until the user quits.
func Run(reader Reader, target string, tags []string, interval time.Duration) error {
	model := NewModel(reader, target, tags, interval)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}
