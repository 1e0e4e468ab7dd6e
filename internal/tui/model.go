// Package tui is a terminal status monitor for a running fieldsync daemon.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mdrrmo/fieldsync/internal/gateway"
	"github.com/mdrrmo/fieldsync/internal/relay"
)

const (
	sidebarWidth = 34
	maxEvents    = 200
)

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type statusMsg struct {
	status gateway.Status
	err    error
}

type eventMsg struct {
	msg relay.Message
	at  time.Time
}

type tickMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor = lipgloss.Color("#2563EB") // blue
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	sectionTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	okStyle    = lipgloss.NewStyle().Foreground(successColor)
	badStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	logBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)
)

type event struct {
	at   time.Time
	text string
}

// Model is the monitor state.
type Model struct {
	client  *Client
	ctx     context.Context
	spinner spinner.Model
	log     viewport.Model

	status  gateway.Status
	err     error
	events  []event
	width   int
	height  int
	ready   bool
	pending bool // REQUEST_SYNC sent, waiting for SYNC_COMPLETE
}

// NewModel builds a monitor for client.
func NewModel(ctx context.Context, client *Client) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = warnStyle
	return Model{client: client, ctx: ctx, spinner: s}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStatus(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) fetchStatus() tea.Cmd {
	if m.client == nil {
		return nil
	}
	return func() tea.Msg {
		st, err := m.client.Status(m.ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			if m.client != nil {
				if err := m.client.RequestSync(m.ctx); err != nil {
					m.addEvent(time.Now(), badStyle.Render("sync request failed: "+err.Error()))
				} else {
					m.pending = true
					m.addEvent(time.Now(), "sync requested")
				}
			}
			return m, nil
		case "r":
			return m, m.fetchStatus()
		}

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, nil

	case eventMsg:
		m.addEvent(msg.at, describe(msg.msg))
		m.apply(msg.msg)
		return m, nil

	case tickMsg:
		cmds = append(cmds, m.fetchStatus(), tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logW := max(m.width-sidebarWidth-5, 20)
		logH := max(m.height-4, 5)
		if !m.ready {
			m.log = viewport.New(logW, logH)
			m.ready = true
		} else {
			m.log.Width = logW
			m.log.Height = logH
		}
		m.refreshLog()
	}

	if m.ready {
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// apply folds a relay message into the cached status so the sidebar stays
// current between polls.
func (m *Model) apply(msg relay.Message) {
	switch msg.Type {
	case relay.Connectivity:
		m.status.Online = msg.Online
	case relay.QueueChanged:
		m.status.Queue.Pending = msg.Pending
	case relay.SyncComplete:
		m.pending = false
	}
}

func (m *Model) addEvent(at time.Time, text string) {
	m.events = append(m.events, event{at: at, text: text})
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.refreshLog()
}

func (m *Model) refreshLog() {
	if !m.ready {
		return
	}
	m.log.SetContent(m.renderEvents())
	m.log.GotoBottom()
}

func describe(msg relay.Message) string {
	switch msg.Type {
	case relay.SyncComplete:
		text := fmt.Sprintf("sync complete: %d synced, %d failed", msg.Synced, msg.Failed)
		if msg.Failed > 0 {
			return warnStyle.Render(text)
		}
		return okStyle.Render(text)
	case relay.QueueChanged:
		return fmt.Sprintf("queue: %d pending", msg.Pending)
	case relay.CacheWarmed:
		return fmt.Sprintf("cache warmed: %d/%d critical endpoints", msg.Cached, msg.Total)
	case relay.Connectivity:
		if msg.Online {
			return okStyle.Render("backend reachable")
		}
		return badStyle.Render("backend unreachable")
	default:
		return string(msg.Type)
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting to fieldsync..."
	}

	conn := okStyle.Render("● ONLINE")
	if !m.status.Online {
		conn = badStyle.Render("● OFFLINE")
	}
	header := headerStyle.Width(m.width).Render("  fieldsync monitor  " + conn)

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderSidebar(),
		" ",
		logBorder.Render(m.log.View()),
	)
	footer := mutedStyle.Render("  s: sync now │ r: refresh │ q: quit │ ↑↓: scroll")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Model) renderSidebar() string {
	var sb strings.Builder
	st := m.status

	sb.WriteString(sectionTitle.Render("Queue"))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  pending: %d\n", st.Queue.Pending)
	if st.Queue.DeadLettered > 0 {
		sb.WriteString(warnStyle.Render(fmt.Sprintf("  dead-lettered: %d", st.Queue.DeadLettered)))
		sb.WriteString("\n")
	}
	if st.Draining || m.pending {
		fmt.Fprintf(&sb, "  %s draining\n", m.spinner.View())
	}
	sb.WriteString("\n")

	sb.WriteString(sectionTitle.Render("Last sync"))
	sb.WriteString("\n")
	if st.LastSync == nil {
		sb.WriteString(mutedStyle.Render("  none yet"))
		sb.WriteString("\n")
	} else {
		fmt.Fprintf(&sb, "  %d synced, %d failed\n", st.LastSync.Succeeded, st.LastSync.Failed)
		sb.WriteString(mutedStyle.Render("  " + st.LastSync.StartedAt.Local().Format("15:04:05")))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString(sectionTitle.Render("Offline cache"))
	sb.WriteString("\n")
	paths := make([]string, 0, len(st.Critical))
	for p := range st.Critical {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		mark := badStyle.Render("✗")
		if st.Critical[p] {
			mark = okStyle.Render("✓")
		}
		fmt.Fprintf(&sb, "  %s %s\n", mark, p)
	}

	if m.err != nil {
		sb.WriteString("\n")
		sb.WriteString(badStyle.Render("  " + m.err.Error()))
	}

	return sidebarStyle.Height(max(m.height-4, 5)).Render(sb.String())
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return mutedStyle.Padding(1).Render("Waiting for events...")
	}
	var sb strings.Builder
	for _, e := range m.events {
		sb.WriteString(mutedStyle.Render(e.at.Local().Format("15:04:05")))
		sb.WriteString(" ")
		sb.WriteString(e.text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Run starts the monitor against the gateway at addr and blocks until the
// user quits or ctx ends.
func Run(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := NewClient(addr)
	p := tea.NewProgram(NewModel(ctx, client), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for ctx.Err() == nil {
			err := client.Listen(ctx, func(m relay.Message) {
				p.Send(eventMsg{msg: m, at: time.Now()})
			})
			if ctx.Err() != nil {
				return
			}
			p.Send(statusMsg{err: fmt.Errorf("events: %w", err)})
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
		}
	}()

	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
