// Command relayload opens many clients against a relay, joins them to one
// channel and streams voice packets to measure fan-out throughput.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/reverb/pkg/client"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type loadConfig struct {
	server     string
	password   string
	clients    int
	channel    string
	duration   time.Duration
	rate       int
	packetSize int
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayload: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var cfg loadConfig
	flag.StringVar(&cfg.server, "server", "tcp://localhost:7465", "Server address (tcp://, ws://, wss:// or ssh://user@host)")
	flag.StringVar(&cfg.password, "password", "", "Secret sent with each login")
	flag.IntVar(&cfg.clients, "clients", 10, "Number of concurrent clients")
	flag.StringVar(&cfg.channel, "channel", "General", "Channel to join")
	flag.DurationVar(&cfg.duration, "duration", time.Minute, "Test duration")
	flag.IntVar(&cfg.rate, "rate", 50, "Voice packets per second per client")
	flag.IntVar(&cfg.packetSize, "packet-size", 160, "Voice packet size in bytes")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.clients < 1 || cfg.rate < 1 {
		return 2, errors.New("clients and rate must be positive")
	}
	if cfg.packetSize < timestampSize {
		return 2, fmt.Errorf("packet-size must be at least %d", timestampSize)
	}

	logConfig := zap.NewDevelopmentConfig()
	if !*debug {
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		return 1, fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ramp up over 25% of the test duration
	rampUp := cfg.duration / 4
	stagger := max(rampUp/time.Duration(cfg.clients), time.Millisecond)

	logger.Info("Starting load test",
		zap.String("server", cfg.server),
		zap.Int("clients", cfg.clients),
		zap.String("channel", cfg.channel),
		zap.Duration("duration", cfg.duration),
		zap.Duration("ramp_up", rampUp),
		zap.Int("rate", cfg.rate),
		zap.Int("packet_size", cfg.packetSize),
	)

	stats := &Stats{}
	reporterCtx, stopReporter := context.WithCancel(ctx)
	defer stopReporter()
	go reportLoop(reporterCtx, logger, stats, 5*time.Second)

	testCtx, cancel := context.WithTimeout(ctx, cfg.duration+rampUp)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runBot(testCtx, logger, cfg, id, stats)
		}(i)

		select {
		case <-time.After(stagger):
		case <-testCtx.Done():
		}
		if testCtx.Err() != nil {
			break
		}
	}
	wg.Wait()
	stopReporter()

	logResults(logger, cfg, stats, time.Since(start))
	if stats.connected.Load() == 0 {
		return 1, errors.New("no client connected")
	}
	return 0, nil
}

func runBot(ctx context.Context, logger *zap.Logger, cfg loadConfig, id int, stats *Stats) {
	logger = logger.With(zap.Int("bot", id))
	username := fmt.Sprintf("load-%d", id)

	c, err := client.Dial(ctx, cfg.server, client.WithLogger(logger), client.WithPassword(cfg.password))
	if err != nil {
		stats.dialFailed.Add(1)
		logger.Debug("Dial failed", zap.Error(err))
		return
	}
	defer c.Close()

	_, info, err := c.Login(ctx, username, cfg.password)
	if err != nil {
		stats.loginFailed.Add(1)
		logger.Debug("Login failed", zap.Error(err))
		return
	}

	channel, ok := lo.Find(info.Channels, func(ch protocol.ChannelInfo) bool {
		return ch.Name == cfg.channel
	})
	if !ok {
		stats.joinFailed.Add(1)
		logger.Debug("Channel not found", zap.String("channel", cfg.channel))
		return
	}
	if _, err := c.Join(ctx, channel.ID); err != nil {
		stats.joinFailed.Add(1)
		logger.Debug("Join failed", zap.Error(err))
		return
	}

	stats.connected.Add(1)
	if id%100 == 0 {
		logger.Info("Connected")
	}

	go receiveLoop(c, stats)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.rate))
	defer ticker.Stop()

	packet := make([]byte, cfg.packetSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			stats.disconnected.Add(1)
			logger.Debug("Disconnected", zap.Error(c.Err()))
			return
		case <-ticker.C:
			stampPacket(packet, time.Now())
			switch err := c.SendVoice(packet); {
			case err == nil:
				stats.sent.Add(1)
			case errors.Is(err, client.ErrQueueFull):
				stats.sendDropped.Add(1)
			default:
				stats.sendFailed.Add(1)
			}
		}
	}
}

func receiveLoop(c *client.Client, stats *Stats) {
	for msg := range c.Messages() {
		voice, ok := msg.(*protocol.VoiceDataMessage)
		if !ok {
			continue
		}
		stats.recordReceived(voice.Data, time.Now())
	}
}

const timestampSize = 8

// stampPacket writes the send time into the first bytes of a packet. The
// relay forwards payloads untouched, so receivers on the same host can
// measure end-to-end latency.
func stampPacket(packet []byte, now time.Time) {
	binary.BigEndian.PutUint64(packet, uint64(now.UnixNano()))
}

func packetTimestamp(packet []byte) (time.Time, bool) {
	if len(packet) < timestampSize {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(packet))), true
}

func reportLoop(ctx context.Context, logger *zap.Logger, stats *Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Snapshot()
			elapsed := time.Since(start).Seconds()
			logger.Info("Stats",
				zap.Int64("clients", snap.Connected),
				zap.Int64("sent", snap.Sent),
				zap.Float64("sent_per_sec", float64(snap.Sent)/elapsed),
				zap.Int64("received", snap.Received),
				zap.Float64("received_per_sec", float64(snap.Received)/elapsed),
				zap.Duration("avg_latency", snap.AvgLatency),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		}
	}
}

func logResults(logger *zap.Logger, cfg loadConfig, stats *Stats, elapsed time.Duration) {
	snap := stats.Snapshot()
	seconds := elapsed.Seconds()

	// Every packet fans out to the other members of the channel
	expected := snap.Sent * max(snap.Connected-1, 0)
	efficiency := 0.0
	if expected > 0 {
		efficiency = float64(snap.Received) / float64(expected) * 100
	}

	logger.Info("Final results",
		zap.Int("clients_attempted", cfg.clients),
		zap.Int64("clients_connected", snap.Connected),
		zap.Int64("dial_failed", snap.DialFailed),
		zap.Int64("login_failed", snap.LoginFailed),
		zap.Int64("join_failed", snap.JoinFailed),
		zap.Int64("disconnected", snap.Disconnected),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
		zap.Int64("sent", snap.Sent),
		zap.Float64("sent_per_sec", float64(snap.Sent)/seconds),
		zap.Int64("send_dropped", snap.SendDropped),
		zap.Int64("send_failed", snap.SendFailed),
		zap.Int64("received", snap.Received),
		zap.Float64("received_per_sec", float64(snap.Received)/seconds),
		zap.Float64("delivery_pct", efficiency),
		zap.Duration("avg_latency", snap.AvgLatency),
		zap.Duration("max_latency", snap.MaxLatency),
	)
}
