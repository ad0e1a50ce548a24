package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/aeolun/reverb/pkg/registry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SnapshotResponse is the body of GET /snapshot.
type SnapshotResponse struct {
	ServerID      uuid.UUID          `json:"server_id"`
	Name          string             `json:"name"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Sessions      []SessionSnapshot  `json:"sessions"`
	Channels      []ChannelSnapshot  `json:"channels"`
	Identities    []IdentitySnapshot `json:"identities"`
}

type SessionSnapshot struct {
	ID         uint64 `json:"id"`
	Transport  string `json:"transport"`
	RemoteAddr string `json:"remote_addr"`
	Username   string `json:"username,omitempty"`
	State      string `json:"state"`
	FramesIn   uint64 `json:"frames_in"`
	FramesOut  uint64 `json:"frames_out"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	Dropped    uint64 `json:"dropped"`
}

type ChannelSnapshot struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	ParentID    *uuid.UUID  `json:"parent_id,omitempty"`
	Members     []uuid.UUID `json:"members"`
	Subscribers int         `json:"subscribers"`
}

type IdentitySnapshot struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Presence string    `json:"presence"`
}

// Snapshot captures sessions, channels and identities at one moment. The
// three parts are read separately and may be slightly out of step.
func (s *Server) Snapshot() SnapshotResponse {
	snap := s.registry.Snapshot()
	subscribers := s.broker.Subscribers()

	sessions := lo.Map(s.sessions.GetAllSessions(), func(sess *Session, _ int) SessionSnapshot {
		stats := sess.Stats()
		out := SessionSnapshot{
			ID:         sess.ID,
			Transport:  sess.Transport,
			RemoteAddr: sess.RemoteAddr,
			State:      sess.State().String(),
			FramesIn:   stats.FramesIn,
			FramesOut:  stats.FramesOut,
			BytesIn:    stats.BytesIn,
			BytesOut:   stats.BytesOut,
			Dropped:    stats.Dropped,
		}
		if ident := sess.Identity(); ident != nil {
			out.Username = ident.Username
		}
		return out
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	return SnapshotResponse{
		ServerID:      s.serverID,
		Name:          s.config.ServerName,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      sessions,
		Channels: lo.Map(snap.Channels, func(c registry.Channel, _ int) ChannelSnapshot {
			return ChannelSnapshot{
				ID:          c.ID,
				Name:        c.Name,
				Description: c.Description,
				ParentID:    c.ParentID,
				Members:     c.Members,
				Subscribers: subscribers[c.ID],
			}
		}),
		Identities: lo.Map(snap.Identities, func(i registry.Identity, _ int) IdentitySnapshot {
			return IdentitySnapshot{ID: i.ID, Username: i.Username, Presence: i.Presence.String()}
		}),
	}
}

// PublicHandler serves the client-facing HTTP endpoints.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// MetricsHandler serves the operator endpoints. It must not be exposed
// publicly.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.logger.Warn("Failed to write snapshot", zap.Error(err))
	}
}
