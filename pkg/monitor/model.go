package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/aeolun/reverb/pkg/server"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// View identifies which table is shown
type View int

const (
	ViewSessions View = iota
	ViewChannels
	ViewIdentities
)

var viewNames = []string{"Sessions", "Channels", "Identities"}

func (v View) String() string {
	if int(v) < len(viewNames) {
		return viewNames[v]
	}
	return "Unknown"
}

// SnapshotMsg carries a fetched snapshot
type SnapshotMsg struct {
	Snapshot server.SnapshotResponse
	At       time.Time
}

// ErrorMsg reports a failed fetch
type ErrorMsg struct {
	Err error
}

// TickMsg triggers the next poll
type TickMsg time.Time

// rate is bytes per second for one session
type rate struct {
	in, out float64
}

// Model is the relaytop dashboard.
type Model struct {
	source   Source
	interval time.Duration

	currentView View
	table       table.Model
	width       int
	height      int

	snapshot *server.SnapshotResponse
	fetched  time.Time
	rates    map[uint64]rate
	err      error
}

// NewModel polls source every interval.
func NewModel(source Source, interval time.Duration) Model {
	t := table.New(table.WithFocused(true), table.WithHeight(10))
	t.SetStyles(tableStyles())

	m := Model{
		source:   source,
		interval: interval,
		table:    t,
		rates:    make(map[uint64]rate),
	}
	m.table.SetColumns(m.columns())
	return m
}

// Init starts polling
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.source), tickCmd(m.interval))
}

func fetchCmd(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := source.Fetch(ctx)
		if err != nil {
			return ErrorMsg{Err: err}
		}
		return SnapshotMsg{Snapshot: snap, At: time.Now()}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "right", "l":
			m.switchView((m.currentView + 1) % View(len(viewNames)))
			return m, nil
		case "shift+tab", "left", "h":
			m.switchView((m.currentView + View(len(viewNames)) - 1) % View(len(viewNames)))
			return m, nil
		case "1", "2", "3":
			m.switchView(View(msg.String()[0] - '1'))
			return m, nil
		case "r":
			return m, fetchCmd(m.source)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Header, tab bar and footer take 6 lines
		m.table.SetHeight(max(msg.Height-6, 3))
		m.table.SetWidth(msg.Width)
		return m, nil

	case TickMsg:
		return m, tea.Batch(fetchCmd(m.source), tickCmd(m.interval))

	case SnapshotMsg:
		m.applySnapshot(msg.Snapshot, msg.At)
		return m, nil

	case ErrorMsg:
		m.err = msg.Err
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) applySnapshot(snap server.SnapshotResponse, at time.Time) {
	if m.snapshot != nil {
		m.rates = sessionRates(m.snapshot.Sessions, snap.Sessions, at.Sub(m.fetched))
	}
	m.snapshot = &snap
	m.fetched = at
	m.err = nil
	m.table.SetRows(m.rows())
}

func (m *Model) switchView(v View) {
	if v == m.currentView {
		return
	}
	m.currentView = v
	// Rows must match the column count at every step
	m.table.SetRows(nil)
	m.table.SetColumns(m.columns())
	m.table.SetRows(m.rows())
	m.table.GotoTop()
}

// sessionRates derives per-session throughput from two snapshots.
func sessionRates(prev, cur []server.SessionSnapshot, elapsed time.Duration) map[uint64]rate {
	rates := make(map[uint64]rate, len(cur))
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return rates
	}
	before := lo.KeyBy(prev, func(s server.SessionSnapshot) uint64 { return s.ID })
	for _, s := range cur {
		p, ok := before[s.ID]
		if !ok || s.BytesIn < p.BytesIn || s.BytesOut < p.BytesOut {
			continue
		}
		rates[s.ID] = rate{
			in:  float64(s.BytesIn-p.BytesIn) / seconds,
			out: float64(s.BytesOut-p.BytesOut) / seconds,
		}
	}
	return rates
}

func (m Model) columns() []table.Column {
	switch m.currentView {
	case ViewChannels:
		return []table.Column{
			{Title: "Name", Width: 20},
			{Title: "Parent", Width: 16},
			{Title: "Members", Width: 8},
			{Title: "Subscribers", Width: 11},
			{Title: "Description", Width: 30},
		}
	case ViewIdentities:
		return []table.Column{
			{Title: "Username", Width: 20},
			{Title: "Presence", Width: 10},
			{Title: "Channel", Width: 20},
			{Title: "ID", Width: 36},
		}
	default:
		return []table.Column{
			{Title: "ID", Width: 6},
			{Title: "Transport", Width: 9},
			{Title: "Remote", Width: 21},
			{Title: "User", Width: 16},
			{Title: "State", Width: 13},
			{Title: "In/s", Width: 9},
			{Title: "Out/s", Width: 9},
			{Title: "Frames", Width: 15},
			{Title: "Dropped", Width: 8},
		}
	}
}

func (m Model) rows() []table.Row {
	if m.snapshot == nil {
		return nil
	}
	snap := m.snapshot

	switch m.currentView {
	case ViewChannels:
		names := lo.SliceToMap(snap.Channels, func(c server.ChannelSnapshot) (uuid.UUID, string) {
			return c.ID, c.Name
		})
		return lo.Map(snap.Channels, func(c server.ChannelSnapshot, _ int) table.Row {
			parent := "-"
			if c.ParentID != nil {
				parent = names[*c.ParentID]
			}
			return table.Row{c.Name, parent, fmt.Sprint(len(c.Members)), fmt.Sprint(c.Subscribers), lo.FromPtr(c.Description)}
		})

	case ViewIdentities:
		channelOf := make(map[uuid.UUID]string)
		for _, c := range snap.Channels {
			for _, member := range c.Members {
				channelOf[member] = c.Name
			}
		}
		return lo.Map(snap.Identities, func(i server.IdentitySnapshot, _ int) table.Row {
			return table.Row{i.Username, i.Presence, lo.CoalesceOrEmpty(channelOf[i.ID], "-"), i.ID.String()}
		})

	default:
		return lo.Map(snap.Sessions, func(s server.SessionSnapshot, _ int) table.Row {
			r := m.rates[s.ID]
			return table.Row{
				fmt.Sprint(s.ID),
				s.Transport,
				s.RemoteAddr,
				lo.CoalesceOrEmpty(s.Username, "-"),
				s.State,
				formatBytes(r.in),
				formatBytes(r.out),
				fmt.Sprintf("%d/%d", s.FramesIn, s.FramesOut),
				fmt.Sprint(s.Dropped),
			}
		})
	}
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n float64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%.0fB", n)
	}
	div, exp := float64(unit), 0
	for v := n / unit; v >= unit && exp < 3; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", n/div, "KMGT"[exp])
}

// formatUptime renders whole seconds as e.g. 3d04h05m or 12m30s.
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int64(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	mins := int64(d / time.Minute)
	secs := int64((d - time.Duration(mins)*time.Minute) / time.Second)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%02dh%02dm", days, h, mins)
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, mins)
	default:
		return fmt.Sprintf("%dm%02ds", mins, secs)
	}
}
