package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/server"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	snap server.SnapshotResponse
	err  error
}

func (s staticSource) Fetch(context.Context) (server.SnapshotResponse, error) {
	return s.snap, s.err
}

func testSnapshot() server.SnapshotResponse {
	general := uuid.New()
	lobby := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	desc := "General voice channel"

	return server.SnapshotResponse{
		ServerID:      uuid.New(),
		Name:          "Test Relay",
		UptimeSeconds: 3725,
		Sessions: []server.SessionSnapshot{
			{ID: 1, Transport: "tcp", RemoteAddr: "127.0.0.1:5000", Username: "alice", State: "authenticated", BytesIn: 1000, BytesOut: 2000},
			{ID: 2, Transport: "websocket", RemoteAddr: "127.0.0.1:5001", State: "connected"},
		},
		Channels: []server.ChannelSnapshot{
			{ID: general, Name: "General", Description: &desc, Members: []uuid.UUID{alice}, Subscribers: 1},
			{ID: lobby, Name: "Lobby", ParentID: &general},
		},
		Identities: []server.IdentitySnapshot{
			{ID: alice, Username: "alice", Presence: "online"},
			{ID: bob, Username: "bob", Presence: "offline"},
		},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	updated, _ := m.Update(msg)
	return updated.(Model)
}

func TestSnapshotFillsSessionTable(t *testing.T) {
	m := NewModel(staticSource{}, time.Second)
	m = update(t, m, SnapshotMsg{Snapshot: testSnapshot(), At: time.Now()})

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0][3])
	assert.Equal(t, "-", rows[1][3])

	view := m.View()
	assert.Contains(t, view, "Test Relay")
	assert.Contains(t, view, "up 1h02m")
	assert.Contains(t, view, "online 1")
}

func TestSwitchViews(t *testing.T) {
	m := NewModel(staticSource{}, time.Second)
	m = update(t, m, SnapshotMsg{Snapshot: testSnapshot(), At: time.Now()})

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, ViewChannels, m.currentView)
	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"General", "-", "1", "1", "General voice channel"}, []string(rows[0]))
	assert.Equal(t, "General", rows[1][1])

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	assert.Equal(t, ViewIdentities, m.currentView)
	rows = m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "General", rows[0][2])
	assert.Equal(t, "-", rows[1][2])

	// Wraps around
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, ViewSessions, m.currentView)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, ViewIdentities, m.currentView)
}

func TestSessionRates(t *testing.T) {
	prev := []server.SessionSnapshot{{ID: 1, BytesIn: 1000, BytesOut: 0}, {ID: 2, BytesIn: 50}}
	cur := []server.SessionSnapshot{{ID: 1, BytesIn: 3048, BytesOut: 1024}, {ID: 3}}

	rates := sessionRates(prev, cur, 2*time.Second)
	assert.Equal(t, rate{in: 1024, out: 512}, rates[1])
	_, ok := rates[3]
	assert.False(t, ok)

	assert.Empty(t, sessionRates(prev, cur, 0))
}

func TestFetchErrorShown(t *testing.T) {
	m := NewModel(staticSource{}, time.Second)
	m = update(t, m, ErrorMsg{Err: errors.New("connection refused")})
	assert.Contains(t, m.View(), "fetch failed: connection refused")

	m = update(t, m, SnapshotMsg{Snapshot: testSnapshot(), At: time.Now()})
	assert.NotContains(t, m.View(), "fetch failed")
}

func TestQuitKey(t *testing.T) {
	m := NewModel(staticSource{}, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "1.0MiB", formatBytes(1<<20))
	assert.Equal(t, "0m45s", formatUptime(45))
	assert.Equal(t, "2d03h00m", formatUptime(2*86400+3*3600))
}

func TestHTTPSourceAgainstServer(t *testing.T) {
	config := server.DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.MetricsInterval = 0
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")

	reg := prometheus.NewRegistry()
	srv, err := server.NewServer(config, auth.AcceptAll{}, zap.NewNop(), server.WithPrometheus(reg, reg))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	ts := httptest.NewServer(srv.MetricsHandler())
	defer ts.Close()

	snap, err := NewHTTPSource(ts.URL + "/").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Reverb Server", snap.Name)
	assert.Len(t, snap.Channels, 2)
}

func TestHTTPSourceStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := NewHTTPSource(ts.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403"), err.Error())
}
