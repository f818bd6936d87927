package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/vpn"
)

type statusMsg control.StatusResponse

type streamEndedMsg struct{ err error }

type tickMsg time.Time

// WatchModel is the bubbletea model behind the live status view.
type WatchModel struct {
	updates <-chan control.StatusResponse
	errs    <-chan error
	spinner spinner.Model
	now     func() time.Time

	status      control.StatusResponse
	received    bool
	connectedAt time.Time
	history     []string
	err         error
	done        bool
}

// NewWatchModel returns a model that renders updates until the channel
// closes. errs may deliver one terminal stream error.
func NewWatchModel(updates <-chan control.StatusResponse, errs <-chan error) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorConnecting)
	return WatchModel{
		updates: updates,
		errs:    errs,
		spinner: s,
		now:     time.Now,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next(), tick())
}

func (m WatchModel) next() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.updates
		if !ok {
			var err error
			if m.errs != nil {
				err = <-m.errs
			}
			return streamEndedMsg{err: err}
		}
		return statusMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}
	case statusMsg:
		m.apply(control.StatusResponse(msg))
		return m, m.next()
	case streamEndedMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) apply(s control.StatusResponse) {
	prev := m.status.State
	m.status = s
	if s.State.Kind == vpn.Connected && (!m.received || prev.Kind != vpn.Connected) {
		m.connectedAt = m.now()
	}
	if !m.received || prev != s.State {
		m.history = append(m.history, fmt.Sprintf("%s  %s", m.now().Format("15:04:05"), s.State))
		if len(m.history) > 5 {
			m.history = m.history[len(m.history)-5:]
		}
	}
	m.received = true
}

// Status returns the last status received.
func (m WatchModel) Status() control.StatusResponse {
	return m.status
}

// Err returns the error that ended the stream, if any.
func (m WatchModel) Err() error {
	return m.err
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("VPN status"))
	b.WriteString("\n\n")

	if !m.received {
		b.WriteString(m.spinner.View() + " waiting for daemon...\n")
		return b.String()
	}

	s := m.status
	badge := StateStyle(s.State).Render(s.State.String())
	if s.State.Kind != vpn.Connected && s.State.Kind != vpn.Disabled && s.State.Kind != vpn.Error {
		badge = m.spinner.View() + " " + badge
	}

	rows := []string{row("State", badge)}
	if s.Server != "" {
		rows = append(rows,
			row("Server", fmt.Sprintf("%s (%s)", s.Server, s.Country)),
			row("Protocol", s.Protocol),
			row("Endpoint", s.Endpoint),
		)
	}
	if s.Backend != "" {
		rows = append(rows, row("Backend", s.Backend))
	}
	if s.State.Kind == vpn.Connected && !m.connectedAt.IsZero() {
		rows = append(rows, row("Uptime", FormatUptime(m.now().Sub(m.connectedAt))))
	}
	if s.Retry != nil {
		rows = append(rows, row("Retry", fmt.Sprintf("in %ds", s.Retry.RetryInSeconds)))
	}
	b.WriteString(panelStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if len(m.history) > 1 {
		b.WriteString("\n")
		for _, h := range m.history {
			b.WriteString(hintStyle.Render(h) + "\n")
		}
	}
	if m.err != nil {
		b.WriteString(StateStyle(vpn.ErrorState(vpn.Generic, true)).Render(m.err.Error()) + "\n")
	}
	if !m.done {
		b.WriteString("\n" + hintStyle.Render("q to quit") + "\n")
	}
	return b.String()
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

// FormatUptime formats d as HH:MM:SS.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// RunWatch shows the live view on a terminal until the user quits or the
// stream ends.
func RunWatch(ctx context.Context, updates <-chan control.StatusResponse, errs <-chan error) error {
	p := tea.NewProgram(NewWatchModel(updates, errs), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if m, ok := final.(WatchModel); ok {
		return m.Err()
	}
	return nil
}

// PrintWatch writes one line per state change, for pipes and logs.
func PrintWatch(w io.Writer, updates <-chan control.StatusResponse) {
	var last vpn.State
	first := true
	for s := range updates {
		if !first && s.State == last {
			continue
		}
		first = false
		last = s.State
		line := fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), s.State)
		if s.Server != "" {
			line += fmt.Sprintf(" %s %s %s", s.Server, s.Protocol, s.Endpoint)
		}
		fmt.Fprintln(w, line)
	}
}
