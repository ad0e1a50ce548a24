// Package botlib provides a simple library for building relay bots. A bot
// logs in, joins one channel and reacts to what happens there.
package botlib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/reverb/pkg/client"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MediaHandler is called for each media packet from another member.
type MediaHandler func(ctx *Context, msg protocol.MediaMessage)

// MemberHandler is called when a member joins or leaves the bot's channel.
type MemberHandler func(ctx *Context, member protocol.IdentityInfo)

// StreamHandler is called when a member starts or stops a stream.
type StreamHandler func(ctx *Context, event protocol.StreamEvent, started bool)

// Config holds the bot configuration.
type Config struct {
	// Server address, see client.ParseAddress
	Server string

	Username string
	Secret   string

	// Channel to join, by name
	Channel string

	// Logger (optional, defaults to a no-op logger)
	Logger *zap.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// PingInterval for keepalive (default: 30s)
	PingInterval time.Duration
}

// Bot represents a relay bot instance.
type Bot struct {
	config Config
	logger *zap.Logger
	client *client.Client

	// Channel state
	identity  protocol.IdentityInfo
	channel   protocol.ChannelInfo
	members   map[uuid.UUID]protocol.IdentityInfo
	membersMu sync.RWMutex

	// Handlers
	onMedia  MediaHandler
	onJoin   MemberHandler
	onLeave  MemberHandler
	onStream StreamHandler

	wg sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}

	return &Bot{
		config:  config,
		logger:  config.Logger,
		members: make(map[uuid.UUID]protocol.IdentityInfo),
	}
}

// OnMedia registers a handler for media packets.
func (b *Bot) OnMedia(handler MediaHandler) {
	b.onMedia = handler
}

// OnMemberJoined registers a handler for members entering the channel.
func (b *Bot) OnMemberJoined(handler MemberHandler) {
	b.onJoin = handler
}

// OnMemberLeft registers a handler for members leaving the channel.
func (b *Bot) OnMemberLeft(handler MemberHandler) {
	b.onLeave = handler
}

// OnStream registers a handler for stream announcements.
func (b *Bot) OnStream(handler StreamHandler) {
	b.onStream = handler
}

// Run connects, joins the configured channel and dispatches events until
// ctx is cancelled or the connection is lost. Cancellation is a clean stop.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Connecting", zap.String("server", b.config.Server))
	c, err := client.Dial(ctx, b.config.Server,
		client.WithLogger(b.logger),
		client.WithPassword(b.config.Secret),
	)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.client = c
	defer c.Close()

	if err := b.join(ctx); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.pingLoop(ctx)
	defer b.wg.Wait()

	b.logger.Info("Bot is running", zap.String("channel", b.channel.Name))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bot stopped")
			return nil
		case msg, ok := <-c.Messages():
			if !ok {
				return client.ErrClosed
			}
			b.dispatch(msg)
		case <-c.Done():
			return fmt.Errorf("connection lost: %w", c.Err())
		}
	}
}

func (b *Bot) join(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	defer cancel()

	ident, info, err := b.client.Login(reqCtx, b.config.Username, b.config.Secret)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	b.identity = ident
	b.logger = b.logger.With(zap.String("user", ident.Username))

	channel, ok := lo.Find(info.Channels, func(ch protocol.ChannelInfo) bool {
		return ch.Name == b.config.Channel
	})
	if !ok {
		return fmt.Errorf("channel %q not found", b.config.Channel)
	}

	roster, err := b.client.Join(reqCtx, channel.ID)
	if err != nil {
		return fmt.Errorf("join %q: %w", channel.Name, err)
	}
	b.channel = roster.Channel

	b.membersMu.Lock()
	for _, m := range roster.Members {
		b.members[m.ID] = m
	}
	b.membersMu.Unlock()
	return nil
}

func (b *Bot) pingLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
			rtt, err := b.client.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, client.ErrClosed) {
					return
				}
				b.logger.Warn("Ping failed", zap.Error(err))
				continue
			}
			b.logger.Debug("Ping", zap.Duration("rtt", rtt))
		case <-ctx.Done():
			return
		case <-b.client.Done():
			return
		}
	}
}

func (b *Bot) dispatch(msg protocol.Message) {
	ctx := &Context{bot: b}

	switch m := msg.(type) {
	case protocol.MediaMessage:
		media := m.Media()
		if media.SenderID == b.identity.ID || b.onMedia == nil {
			return
		}
		ctx.sender = media.SenderID
		b.onMedia(ctx, m)

	case *protocol.MemberJoinedMessage:
		b.membersMu.Lock()
		b.members[m.Identity.ID] = m.Identity
		b.membersMu.Unlock()
		if b.onJoin != nil && m.Identity.ID != b.identity.ID {
			ctx.sender = m.Identity.ID
			b.onJoin(ctx, m.Identity)
		}

	case *protocol.MemberLeftMessage:
		b.membersMu.Lock()
		member, ok := b.members[m.IdentityID]
		delete(b.members, m.IdentityID)
		b.membersMu.Unlock()
		if ok && b.onLeave != nil {
			ctx.sender = m.IdentityID
			b.onLeave(ctx, member)
		}

	case *protocol.StatusUpdateMessage:
		b.membersMu.Lock()
		if member, ok := b.members[m.IdentityID]; ok {
			member.Presence = m.Presence
			b.members[m.IdentityID] = member
		}
		b.membersMu.Unlock()

	case *protocol.StreamStartedMessage:
		if b.onStream != nil {
			ctx.sender = m.IdentityID
			b.onStream(ctx, m.StreamEvent, true)
		}

	case *protocol.StreamStoppedMessage:
		if b.onStream != nil {
			ctx.sender = m.IdentityID
			b.onStream(ctx, m.StreamEvent, false)
		}

	case *protocol.DisconnectMessage:
		b.logger.Info("Server sent disconnect", zap.Stringp("reason", m.Reason))

	case *protocol.ErrorMessage:
		b.logger.Warn("Server error", zap.Uint32("code", m.Code), zap.String("message", m.Message))

	default:
		b.logger.Debug("Ignoring message", zap.String("type", protocol.TypeName(msg.Type())))
	}
}

// Members returns the current channel members, sorted by username.
func (b *Bot) Members() []protocol.IdentityInfo {
	b.membersMu.RLock()
	defer b.membersMu.RUnlock()
	members := lo.Values(b.members)
	sortMembers(members)
	return members
}

func (b *Bot) member(id uuid.UUID) (protocol.IdentityInfo, bool) {
	b.membersMu.RLock()
	defer b.membersMu.RUnlock()
	m, ok := b.members[id]
	return m, ok
}
