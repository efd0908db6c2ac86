// Package tui renders a live view of controller tags polled over EtherNet/IP.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// DefaultInterval is the poll period when none is given.
const DefaultInterval = time.Second

// Reader reads one tag value. *client.ENIPClient satisfies it.
type Reader interface {
	ReadValue(ctx context.Context, tagName string) (codec.Value, error)
}

// Row is the last known state of one watched tag.
type Row struct {
	Tag       string
	Value     codec.Value
	HasValue  bool
	Err       error
	ChangedAt time.Time
	Changes   int
}

type pollResult struct {
	tag   string
	value codec.Value
	err   error
}

type pollMsg struct {
	results []pollResult
	at      time.Time
}

type tickMsg time.Time

// Model polls a fixed set of tags and shows their values.
type Model struct {
	reader   Reader
	target   string
	interval time.Duration
	timeout  time.Duration
	styles   Styles

	rows     []Row
	polls    int
	lastPoll time.Time
	inFlight bool
	paused   bool
	quitting bool
	width    int
}

// NewModel creates a watch model for tags on target.
func NewModel(reader Reader, target string, tags []string, interval time.Duration) *Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	rows := make([]Row, len(tags))
	for i, tag := range tags {
		rows[i] = Row{Tag: tag}
	}
	return &Model{
		reader:   reader,
		target:   target,
		interval: interval,
		timeout:  5 * time.Second,
		styles:   DefaultStyles,
		rows:     rows,
		width:    80,
	}
}

// Rows returns a copy of the current rows.
func (m *Model) Rows() []Row {
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Polls returns how many poll rounds have completed.
func (m *Model) Polls() int { return m.polls }

// Paused reports whether polling is suspended.
func (m *Model) Paused() bool { return m.paused }

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	m.inFlight = true
	return m.poll()
}

func (m *Model) poll() tea.Cmd {
	tags := make([]string, len(m.rows))
	for i, row := range m.rows {
		tags[i] = row.Tag
	}
	reader, timeout := m.reader, m.timeout
	return func() tea.Msg {
		results := make([]pollResult, 0, len(tags))
		for _, tag := range tags {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			value, err := reader.ReadValue(ctx, tag)
			cancel()
			results = append(results, pollResult{tag: tag, value: value, err: err})
		}
		return pollMsg{results: results, at: time.Now()}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case pollMsg:
		m.inFlight = false
		m.apply(msg)
		return m, m.tick()

	case tickMsg:
		if m.paused || m.inFlight {
			return m, nil
		}
		m.inFlight = true
		return m, m.poll()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "p", " ":
			m.paused = !m.paused
			if !m.paused && !m.inFlight {
				m.inFlight = true
				return m, m.poll()
			}
		case "r":
			if !m.inFlight {
				m.inFlight = true
				return m, m.poll()
			}
		}
	}
	return m, nil
}

func (m *Model) apply(msg pollMsg) {
	m.polls++
	m.lastPoll = msg.at
	for _, res := range msg.results {
		for i := range m.rows {
			row := &m.rows[i]
			if row.Tag != res.tag {
				continue
			}
			row.Err = res.err
			if res.err != nil {
				continue
			}
			if row.HasValue && !row.Value.Equal(res.value) {
				row.Changes++
				row.ChangedAt = msg.at
			}
			row.Value = res.value
			row.HasValue = true
		}
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	s := m.styles

	status := "ok"
	if m.paused {
		status = "paused"
	}
	for _, row := range m.rows {
		if row.Err != nil {
			status = "error"
			break
		}
	}

	var b strings.Builder
	b.WriteString(s.Title.Render("plcsim watch"))
	b.WriteString(s.Dim.Render(fmt.Sprintf(" %s  every %s  polls %d", m.target, m.interval, m.polls)))
	b.WriteString(" " + StatusIcon(status, s) + "\n\n")

	nameWidth := len("TAG")
	for _, row := range m.rows {
		if len(row.Tag) > nameWidth {
			nameWidth = len(row.Tag)
		}
	}

	var table strings.Builder
	table.WriteString(s.Header.Render(fmt.Sprintf("%-*s  %-5s  %-12s  %s", nameWidth, "TAG", "TYPE", "VALUE", "CHANGES")))
	for _, row := range m.rows {
		table.WriteString("\n")
		table.WriteString(m.renderRow(row, nameWidth))
	}
	b.WriteString(s.Box.Render(table.String()))
	b.WriteString("\n")

	if !m.lastPoll.IsZero() {
		b.WriteString(s.Dim.Render("last poll " + m.lastPoll.Format("15:04:05.000")))
		b.WriteString("\n")
	}
	b.WriteString(keyHint(s, "p", "pause") + "  " + keyHint(s, "r", "refresh") + "  " + keyHint(s, "q", "quit"))
	return lipgloss.NewStyle().MaxWidth(max(m.width, 40)).Render(b.String())
}

func (m *Model) renderRow(row Row, nameWidth int) string {
	s := m.styles
	name := s.Base.Render(fmt.Sprintf("%-*s", nameWidth, row.Tag))
	if row.Err != nil {
		return name + "  " + s.Error.Render(row.Err.Error())
	}
	if !row.HasValue {
		return name + "  " + s.Dim.Render("-")
	}

	value := fmt.Sprintf("%-12s", row.Value.String())
	recent := !row.ChangedAt.IsZero() && m.lastPoll.Sub(row.ChangedAt) < 2*m.interval
	if recent {
		value = s.Changed.Render(value)
	} else {
		value = s.Base.Render(value)
	}
	return fmt.Sprintf("%s  %-5s  %s  %d", name, row.Value.Type(), value, row.Changes)
}

func keyHint(s Styles, key, label string) string {
	return s.KeyBinding.Render(key) + " " + s.KeyHint.Render(label)
}
