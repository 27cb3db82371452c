// Package monitor is a Bubble Tea terminal monitor for a running agent. It
// talks to the agent through its gateway: status is polled, relayed events
// stream into a scrollable log.
package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/gateway"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

const (
	maxEvents           = 500
	defaultPollInterval = 2 * time.Second
	statusTimeout       = 5 * time.Second
)

// Source is the agent connection the monitor reads from. *gateway.Client
// satisfies it.
type Source interface {
	Status(ctx context.Context) (gateway.StatusResponse, error)
	Events() <-chan domain.Metadata
}

var _ tea.Model = (*Model)(nil)

type (
	statusMsg struct {
		status gateway.StatusResponse
		err    error
	}
	eventMsg        struct{ md domain.Metadata }
	disconnectedMsg struct{}
	tickMsg         time.Time
)

// Model is the root Bubble Tea model of the monitor.
type Model struct {
	src      Source
	target   string
	interval time.Duration

	status    gateway.StatusResponse
	statusErr error
	polled    bool

	events       []domain.Metadata
	paused       bool
	disconnected bool

	viewport viewport.Model
	ready    bool
	atBottom bool
	width    int
	height   int
}

// New creates a monitor for src. target labels the connection in the
// header; interval <= 0 polls every two seconds.
func New(src Source, target string, interval time.Duration) *Model {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Model{src: src, target: target, interval: interval, atBottom: true}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.waitForEvent(), m.tick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
			return m, nil
		case "c":
			m.events = nil
			m.refresh()
			return m, nil
		}

	case statusMsg:
		m.polled = true
		m.statusErr = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, nil

	case tickMsg:
		if m.disconnected {
			return m, nil
		}
		return m, tea.Batch(m.fetchStatus(), m.tick())

	case eventMsg:
		if !m.paused {
			m.addEvent(msg.md)
		}
		return m, m.waitForEvent()

	case disconnectedMsg:
		m.disconnected = true
		return m, nil
	}

	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.atBottom = m.viewport.AtBottom()
	return m, cmd
}

func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.statsView(),
		m.viewport.View(),
		m.footerView(),
	)
}

// EventCount is the number of buffered events.
func (m *Model) EventCount() int { return len(m.events) }

func (m *Model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		st, err := m.src.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	ch := m.src.Events()
	return func() tea.Msg {
		md, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return eventMsg{md: md}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) addEvent(md domain.Metadata) {
	m.events = append(m.events, md)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.refresh()
	if m.ready && m.atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) layout() {
	// header and stats panels, footer
	contentH := max(m.height-9, 3)
	if !m.ready {
		m.viewport = viewport.New(m.width, contentH)
		m.viewport.MouseWheelEnabled = true
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = contentH
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	if len(m.events) == 0 {
		m.viewport.SetContent(styleMuted.Render("  Waiting for events..."))
		return
	}
	var sb strings.Builder
	for _, md := range m.events {
		sb.WriteString(formatEvent(md))
		sb.WriteByte('\n')
	}
	m.viewport.SetContent(sb.String())
}

func (m *Model) headerView() string {
	var state string
	switch {
	case m.disconnected:
		state = styleError.Render("disconnected")
	case m.statusErr != nil:
		state = styleWarning.Render("status error: " + m.statusErr.Error())
	case !m.polled:
		state = styleMuted.Render("connecting...")
	default:
		state = styleSuccess.Render("connected")
	}
	a := m.status.Agent
	name := a.Name
	if name == "" {
		name = "agent"
	}
	line := fmt.Sprintf("%s %s  %s  %s  up %s",
		styleBold.Render(name),
		styleMuted.Render(a.Version),
		styleDim.Render(m.target),
		state,
		time.Duration(a.UptimeSeconds)*time.Second,
	)
	return stylePanel.Width(max(m.width-2, 0)).Render(line)
}

func (m *Model) statsView() string {
	b := m.status.Bus
	g := m.status.Gateway
	bus := fmt.Sprintf("events fired %d  dispatched %d  dropped %d  failures %d  pending %d",
		b.Fired, b.Dispatched, b.Dropped, b.ListenerFailures, b.Pending)
	gw := fmt.Sprintf("clients %d  forwarded %d  inbound %d  timers %d  kinds %d",
		g.Clients, g.Forwarded, g.Inbound, m.status.Timers, m.status.Kinds)

	var tasks []string
	for _, t := range m.status.Tasks {
		tasks = append(tasks, t.Name+"="+taskState(t.State))
	}
	lines := []string{styleInfo.Render(bus), styleAccent.Render(gw)}
	if len(tasks) > 0 {
		lines = append(lines, "tasks "+strings.Join(tasks, " "))
	}
	return stylePanel.Width(max(m.width-2, 0)).Render(strings.Join(lines, "\n"))
}

func (m *Model) footerView() string {
	hints := []string{
		styleKey.Render("j/k") + " scroll",
		styleKey.Render("p") + " pause",
		styleKey.Render("c") + " clear",
		styleKey.Render("q") + " quit",
	}
	left := strings.Join(hints, styleDim.Render("  |  "))
	right := fmt.Sprintf("%d events", len(m.events))
	if m.paused {
		right = styleWarning.Render("paused") + "  " + right
	}
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return styleBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func taskState(s string) string {
	switch s {
	case "running":
		return styleSuccess.Render(s)
	case "failed", "abandoned":
		return styleError.Render(s)
	default:
		return styleMuted.Render(s)
	}
}

func formatEvent(md domain.Metadata) string {
	ts := md.GenerationTime
	if t, err := time.Parse(domain.MetadataTimeLayout, ts); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	prio := ""
	if md.Priority != nil {
		prio = fmt.Sprintf("p%d", *md.Priority)
	}
	route := ""
	if md.PropagateSource != "" {
		route += " from=" + md.PropagateSource
	}
	if md.PropagateTarget != "" {
		route += " to=" + md.PropagateTarget
	}
	return fmt.Sprintf("  %s  %s %s%s  %s",
		styleDim.Render(ts),
		styleInfo.Render(fmt.Sprintf("%-24s", md.EventType)),
		styleMuted.Render(fmt.Sprintf("%-5s", prio)),
		styleMuted.Render(route),
		formatData(md.EventData),
	)
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
