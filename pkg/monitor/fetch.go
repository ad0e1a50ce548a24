// Package monitor is the terminal dashboard behind relaytop. It polls a
// relay's /snapshot endpoint and renders sessions, channels and identities.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aeolun/reverb/pkg/server"
)

// Source produces server snapshots.
type Source interface {
	Fetch(ctx context.Context) (server.SnapshotResponse, error)
}

// HTTPSource reads snapshots from a relay's metrics listener.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource points at baseURL, e.g. http://localhost:9090.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		URL:    strings.TrimRight(baseURL, "/") + "/snapshot",
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (server.SnapshotResponse, error) {
	var snap server.SnapshotResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return snap, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("GET %s: %s", s.URL, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
