package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/hub"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultDirectQueueCapacity bounds the per-session queue of frames
// addressed to that session alone.
const DefaultDirectQueueCapacity = 64

// Auth modes
const (
	AuthModeOpen   = "open"
	AuthModeStatic = "static"
	AuthModeSQLite = "sqlite"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Auth     AuthSection     `toml:"auth"`
	Channels ChannelsSection `toml:"channels"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	TCPPort            int    `toml:"tcp_port" split_words:"true" validate:"min=0,max=65535"`
	SSHPort            int    `toml:"ssh_port" split_words:"true" validate:"min=0,max=65535"`
	HTTPPort           int    `toml:"http_port" split_words:"true" validate:"min=0,max=65535"`
	MetricsPort        int    `toml:"metrics_port" split_words:"true" validate:"min=0,max=65535"`
	SSHHostKey         string `toml:"ssh_host_key" split_words:"true"`
	MaxConnections     int    `toml:"max_connections" split_words:"true" validate:"min=0"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds" split_words:"true" validate:"min=0"`
	Name               string `toml:"name" split_words:"true" validate:"max=256"`
	Description        string `toml:"description" split_words:"true" validate:"max=1024"`
}

type LimitsSection struct {
	MaxFrameSize         int `toml:"max_frame_size" split_words:"true" validate:"min=0,max=16777216"`
	QueueCapacity        int `toml:"queue_capacity" split_words:"true" validate:"min=0"`
	DirectQueueCapacity  int `toml:"direct_queue_capacity" split_words:"true" validate:"min=0"`
	CompressionThreshold int `toml:"compression_threshold" split_words:"true"`
}

type AuthSection struct {
	Mode         string            `toml:"mode" split_words:"true" validate:"omitempty,oneof=open static sqlite"`
	DatabasePath string            `toml:"database_path" split_words:"true" validate:"required_if=Mode sqlite"`
	Users        map[string]string `toml:"users" split_words:"true" validate:"required_if=Mode static"`
	CacheSize    int               `toml:"cache_size" split_words:"true" validate:"min=0"`
}

type ChannelsSection struct {
	SeedChannels []SeedChannel `toml:"seed_channels" ignored:"true" validate:"dive"`
}

type SeedChannel struct {
	Name        string `toml:"name" validate:"required,max=64"`
	Description string `toml:"description" validate:"max=256"`
}

type LoggingSection struct {
	Level                  string `toml:"level" split_words:"true" validate:"omitempty,oneof=debug info warn error"`
	Format                 string `toml:"format" split_words:"true" validate:"omitempty,oneof=json console"`
	MetricsIntervalSeconds int    `toml:"metrics_interval_seconds" split_words:"true" validate:"min=0"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     7465,
			SSHPort:     7466,
			HTTPPort:    8080,
			MetricsPort: 9090,
			SSHHostKey:  "~/.reverb/ssh_host_key",
			Name:        "Reverb Server",
		},
		Limits: LimitsSection{
			MaxFrameSize:         protocol.MaxFrameSize,
			QueueCapacity:        hub.DefaultQueueCapacity,
			DirectQueueCapacity:  DefaultDirectQueueCapacity,
			CompressionThreshold: protocol.CompressionThreshold,
		},
		Auth: AuthSection{
			Mode:         AuthModeOpen,
			DatabasePath: "~/.reverb/users.db",
			CacheSize:    1024,
		},
		Channels: ChannelsSection{
			SeedChannels: []SeedChannel{
				{Name: "General", Description: "General voice channel"},
				{Name: "Gaming", Description: "For gaming sessions"},
			},
		},
		Logging: LoggingSection{
			Level:                  "info",
			Format:                 "console",
			MetricsIntervalSeconds: 30,
		},
	}
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// applies environment variable overrides and validates the result
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// If we can't write, keep going with defaults
		// (might be a permissions issue, but we can still run)
		_ = writeDefaultConfig(path)
	} else {
		// Decoding an array reuses existing elements, so seed defaults would
		// leak into fields the file leaves out
		defaultSeeds := config.Channels.SeedChannels
		config.Channels.SeedChannels = nil
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		if config.Channels.SeedChannels == nil {
			config.Channels.SeedChannels = defaultSeeds
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return TOMLConfig{}, err
	}
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern REVERB_SECTION_KEY, for example
// REVERB_SERVER_TCP_PORT=8080.
func applyEnvOverrides(config *TOMLConfig) error {
	if err := envconfig.Process("reverb", config); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and reports all problems at once.
func (c *TOMLConfig) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	var combined error
	for _, fe := range verrs {
		combined = multierr.Append(combined, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %w", combined)
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Reverb Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# REVERB_SECTION_KEY (e.g., REVERB_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 7465

# Port for SSH connections (0 disables SSH)
ssh_port = 7466

# Port for the public HTTP server (/ws, /health). 0 disables it
http_port = 8080

# Port for the internal HTTP server (/metrics, /health, /snapshot)
# Never expose this publicly. 0 disables it
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.reverb/ssh_host_key"

# Maximum concurrent sessions across all transports (0 = unlimited)
max_connections = 0

# Close sessions that send nothing for this many seconds (0 = disabled)
idle_timeout_seconds = 0

# Shown to clients in SERVER_INFO
name = "Reverb Server"
# description = "Friday night raid comms"

[limits]
# Largest accepted frame length in bytes, excluding the 4 byte length prefix
max_frame_size = 1048576

# Per-session channel queue length; the oldest entry is dropped when full
queue_capacity = 100

# Per-session queue for responses addressed to that session only
direct_queue_capacity = 64

# Payloads at least this large are LZ4 compressed (0 disables compression)
compression_threshold = 512

[auth]
# open   - any well-formed username, secret ignored
# static - bcrypt hashes listed under [auth.users]
# sqlite - users managed with relay-passwd in database_path
mode = "open"
database_path = "~/.reverb/users.db"

# Successful verifications remembered to skip repeated bcrypt work
cache_size = 1024

# [auth.users]
# alice = "$2a$10$..."

[channels]
# Channels created at startup
seed_channels = [
  { name = "General", description = "General voice channel" },
  { name = "Gaming", description = "For gaming sessions" },
]

[logging]
# debug, info, warn or error
level = "info"

# json or console
format = "console"

# How often to log session and goroutine counts (0 disables)
metrics_interval_seconds = 30
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.MaxConnections = c.Server.MaxConnections
	cfg.IdleTimeout = time.Duration(c.Server.IdleTimeoutSeconds) * time.Second

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.ServerName = c.Server.Name
	}
	if strings.TrimSpace(c.Server.Description) != "" {
		desc := c.Server.Description
		cfg.ServerDesc = &desc
	}

	if c.Limits.MaxFrameSize != 0 {
		cfg.FrameOptions.MaxFrameSize = c.Limits.MaxFrameSize
	}
	cfg.FrameOptions.CompressionThreshold = c.Limits.CompressionThreshold
	if c.Limits.QueueCapacity != 0 {
		cfg.QueueCapacity = c.Limits.QueueCapacity
	}
	if c.Limits.DirectQueueCapacity != 0 {
		cfg.DirectQueueCapacity = c.Limits.DirectQueueCapacity
	}

	if c.Channels.SeedChannels != nil {
		cfg.SeedChannels = c.Channels.SeedChannels
	}

	cfg.MetricsInterval = time.Duration(c.Logging.MetricsIntervalSeconds) * time.Second

	return cfg
}

// BuildAuthenticator returns the authenticator selected by [auth] mode,
// wrapped in a verification cache when cache_size is positive. The returned
// close function releases any database handle.
func (c *TOMLConfig) BuildAuthenticator() (auth.Authenticator, func() error, error) {
	noop := func() error { return nil }

	var (
		authn   auth.Authenticator
		closeFn = noop
	)
	switch c.Auth.Mode {
	case "", AuthModeOpen:
		// No point caching a check that never touches bcrypt
		return auth.AcceptAll{}, noop, nil
	case AuthModeStatic:
		authn = auth.NewStatic(c.Auth.Users)
	case AuthModeSQLite:
		path, err := ExpandHome(c.Auth.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		store, err := auth.OpenStore(path)
		if err != nil {
			return nil, nil, err
		}
		authn, closeFn = store, store.Close
	default:
		return nil, nil, fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}

	if c.Auth.CacheSize > 0 {
		cached, err := auth.NewCached(authn, c.Auth.CacheSize)
		if err != nil {
			return nil, nil, multierr.Append(err, closeFn())
		}
		authn = cached
	}
	return authn, closeFn, nil
}

// BuildLogger creates the zap logger described by [logging].
func (c *TOMLConfig) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if c.Logging.Level != "" {
		level, err := zapcore.ParseLevel(c.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
