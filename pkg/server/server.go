package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/hub"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/aeolun/reverb/pkg/registry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server is the relay: it accepts connections on every transport and runs
// one session per connection against a shared registry and broker.
type Server struct {
	config     ServerConfig
	configPath string
	logger     *zap.Logger
	authn      auth.Authenticator
	registry   *registry.Registry
	broker     *hub.Broker
	sessions   *SessionManager
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	serverID   uuid.UUID
	startTime  time.Time

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	SSHPort        int // 0 = disabled
	HTTPPort       int // Public HTTP port for /ws (0 = disabled)
	MetricsPort    int // Internal HTTP port for /metrics and /snapshot (0 = disabled)
	SSHHostKeyPath string
	MaxConnections int           // 0 = unlimited
	IdleTimeout    time.Duration // 0 = disabled

	ServerName string
	ServerDesc *string

	FrameOptions        protocol.FrameOptions
	QueueCapacity       int
	DirectQueueCapacity int

	SeedChannels    []SeedChannel
	MetricsInterval time.Duration // 0 = disabled
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             7465,
		SSHPort:             7466,
		HTTPPort:            8080,
		MetricsPort:         9090,
		SSHHostKeyPath:      "~/.reverb/ssh_host_key",
		ServerName:          "Reverb Server",
		FrameOptions:        protocol.DefaultFrameOptions,
		QueueCapacity:       hub.DefaultQueueCapacity,
		DirectQueueCapacity: DefaultDirectQueueCapacity,
		SeedChannels: []SeedChannel{
			{Name: "General", Description: "General voice channel"},
			{Name: "Gaming", Description: "For gaming sessions"},
		},
		MetricsInterval: 30 * time.Second,
	}
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	registerer     prometheus.Registerer
	gatherer       prometheus.Gatherer
	registryOpts   []registry.Option
	configPath     string
	disableMetrics bool
	observers      []hub.Observer
}

// WithPrometheus registers metrics with reg and serves them from gatherer.
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *serverOptions) {
		o.registerer = reg
		o.gatherer = gatherer
	}
}

// WithoutMetrics disables Prometheus collection entirely.
func WithoutMetrics() Option {
	return func(o *serverOptions) { o.disableMetrics = true }
}

// WithRegistryOptions passes options through to the registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *serverOptions) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithPublishObserver adds an observer that is told about every channel
// publish, after the metrics.
func WithPublishObserver(observer hub.Observer) Option {
	return func(o *serverOptions) { o.observers = append(o.observers, observer) }
}

// WithConfigPath records where the config was loaded from, for error hints.
func WithConfigPath(path string) Option {
	return func(o *serverOptions) { o.configPath = path }
}

// NewServer creates a new server instance and seeds its channels.
func NewServer(config ServerConfig, authn auth.Authenticator, logger *zap.Logger, opts ...Option) (*Server, error) {
	o := serverOptions{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var metrics *Metrics
	if !o.disableMetrics {
		metrics = NewMetrics(o.registerer)
	}

	sessions := NewSessionManager(config.MaxConnections, config.DirectQueueCapacity)
	sessions.SetMetrics(metrics)

	var observer hub.Observer = metrics
	if len(o.observers) > 0 {
		observer = append(publishObservers{metrics}, o.observers...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		configPath: o.configPath,
		logger:     logger,
		authn:      authn,
		registry:   registry.New(authn, o.registryOpts...),
		broker:     hub.NewBroker(config.QueueCapacity, observer),
		sessions:   sessions,
		metrics:    metrics,
		gatherer:   o.gatherer,
		serverID:   uuid.New(),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		shutdown:   make(chan struct{}),
	}

	for _, seed := range config.SeedChannels {
		var desc *string
		if seed.Description != "" {
			d := seed.Description
			desc = &d
		}
		if _, err := s.AddChannel(seed.Name, desc, nil); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to seed channel %q: %w", seed.Name, err)
		}
	}

	return s, nil
}

// AddChannel creates a channel at runtime and opens its hub.
func (s *Server) AddChannel(name string, description *string, parentID *uuid.UUID) (registry.Channel, error) {
	ch, err := s.registry.AddChannel(name, description, parentID)
	if err != nil {
		return registry.Channel{}, err
	}
	s.broker.Open(ch.ID)
	s.logger.Debug("channel added", zap.String("channel", name), zap.Stringer("id", ch.ID))
	return ch, nil
}

// RemoveChannel deletes a channel at runtime. Its members are moved back to
// Authenticated and told they left; child channels become top-level.
func (s *Server) RemoveChannel(channelID uuid.UUID) error {
	evicted, err := s.registry.RemoveChannel(channelID)
	if err != nil {
		return err
	}
	s.broker.CloseHub(channelID)

	// Sweep by evicted identity so a session still finishing its join is
	// told as well.
	evictedIDs := lo.SliceToMap(evicted, func(id uuid.UUID) (uuid.UUID, struct{}) { return id, struct{}{} })
	for _, sess := range s.sessions.GetAllSessions() {
		ident := sess.Identity()
		if ident == nil {
			continue
		}
		if _, ok := evictedIDs[ident.ID]; !ok {
			continue
		}
		if _, sub, ok := sess.leaveChannelIf(isChannel(channelID)); ok {
			sub.Close()
		}
		if err := s.trySend(sess, &protocol.MemberLeftMessage{ChannelID: channelID, IdentityID: ident.ID}); err != nil {
			sess.logger.Warn("Failed to notify eviction", zap.Stringer("channel", channelID), zap.Error(err))
		}
	}

	s.logger.Debug("channel removed", zap.Stringer("id", channelID), zap.Int("evicted", len(evicted)))
	return nil
}

// Registry exposes the server's registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Addr returns the TCP listener address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled.
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// Start starts the TCP, SSH and HTTP listeners
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("TCP server listening", zap.String("addr", listener.Addr().String()))

	if s.config.SSHPort > 0 {
		if err := s.startSSHServer(fmt.Sprintf(":%d", s.config.SSHPort)); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	} else {
		s.logger.Info("SSH server disabled")
	}

	// Internal only: never expose publicly
	if s.config.MetricsPort > 0 {
		s.metricsServer = s.serveHTTP(fmt.Sprintf(":%d", s.config.MetricsPort), s.MetricsHandler(), "metrics")
	}
	if s.config.HTTPPort > 0 {
		s.httpServer = s.serveHTTP(fmt.Sprintf(":%d", s.config.HTTPPort), s.PublicHandler(), "public")
	}

	if s.config.MetricsInterval > 0 {
		s.wg.Add(1)
		go s.metricsLoggingLoop(s.config.MetricsInterval)
	}

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

func (s *Server) serveHTTP(addr string, handler http.Handler, name string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.logger.Info("Graceful shutdown initiated")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	var errs error
	if s.listener != nil {
		errs = multierr.Append(errs, ignoreClosed(s.listener.Close()))
	}
	if s.sshListener != nil {
		errs = multierr.Append(errs, ignoreClosed(s.sshListener.Close()))
	}
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv != nil {
			errs = multierr.Append(errs, srv.Close())
		}
	}

	s.notifyClientsOfShutdown()

	s.sessions.CloseAll()
	s.cancel()

	s.wg.Wait()
	s.broker.Close()

	if errs != nil {
		s.logger.Warn("Shutdown completed with errors", zap.Error(errs))
	} else {
		s.logger.Info("Graceful shutdown complete")
	}
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// notifyClientsOfShutdown sends DISCONNECT message to all connected clients
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		return
	}

	reason := "Server shutting down"
	frame, err := protocol.NewFrame(&protocol.DisconnectMessage{Reason: &reason})
	if err != nil {
		s.logger.Error("Failed to encode disconnect message", zap.Error(err))
		return
	}

	// Best effort; the write mutex keeps this from interleaving with the outbound loop
	sent := 0
	for _, sess := range sessions {
		if err := sess.Conn.WriteFrame(frame); err == nil {
			sent++
		}
	}
	s.logger.Info("Shutdown notification sent", zap.Int("sent", sent), zap.Int("sessions", len(sessions)))
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", zap.Error(err))
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, "tcp", nil)
		}()
	}
}

// handleConnection creates a session for conn and runs it to completion.
// preauth names a username already verified by the transport.
func (s *Server) handleConnection(conn net.Conn, transport string, preauth *string) {
	safe := NewSafeConn(conn, s.config.FrameOptions, s.config.IdleTimeout)

	sess, err := s.sessions.CreateSession(transport, safe, s.logger)
	if err != nil {
		if errors.Is(err, ErrServerFull) {
			s.metrics.RecordConnectionRejected("server_full")
			s.rejectConnection(safe, protocol.ErrCodeServerFull, "server full")
		} else {
			s.logger.Error("Failed to create session", zap.Error(err))
		}
		safe.Close()
		return
	}

	s.connectionsSinceReport.Add(1)
	sess.logger.Debug("New connection", zap.String("remote", sess.RemoteAddr))

	s.runSession(sess, preauth)
}

func (s *Server) rejectConnection(conn *SafeConn, code uint32, message string) {
	frame, err := protocol.NewFrame(&protocol.ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := conn.WriteFrame(frame); err != nil {
		s.logger.Debug("Failed to send rejection", zap.Error(err))
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			s.logger.Info("metrics",
				zap.Int("active_sessions", s.sessions.CountSessions()),
				zap.Int("online_identities", s.registry.CountOnline()),
				zap.Int64("connected", connected),
				zap.Int64("disconnected", disconnected),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		}
	}
}
