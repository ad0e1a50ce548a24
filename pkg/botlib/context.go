package botlib

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context is passed to handlers and carries the member that triggered
// the event.
type Context struct {
	bot    *Bot
	sender uuid.UUID
}

// Sender returns the member that triggered the event.
func (c *Context) Sender() protocol.IdentityInfo {
	if m, ok := c.bot.member(c.sender); ok {
		return m
	}
	return protocol.IdentityInfo{ID: c.sender}
}

// Channel returns the bot's channel.
func (c *Context) Channel() protocol.ChannelInfo {
	return c.bot.channel
}

// Self returns the bot's own identity.
func (c *Context) Self() protocol.IdentityInfo {
	return c.bot.identity
}

// SendVoice sends a voice packet to the channel.
func (c *Context) SendVoice(data []byte) error {
	return c.bot.client.SendVoice(data)
}

// SendMedia sends a media packet of any kind to the channel.
func (c *Context) SendMedia(msg protocol.MediaMessage) error {
	return c.bot.client.SendMedia(msg)
}

// SetPresence changes the bot's presence.
func (c *Context) SetPresence(p protocol.Presence) error {
	return c.bot.client.Send(&protocol.StatusUpdateMessage{Presence: p})
}

// Logger returns the bot's logger.
func (c *Context) Logger() *zap.Logger {
	return c.bot.logger
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{channel=%s, sender=%s}", c.bot.channel.Name, c.sender)
}

func sortMembers(members []protocol.IdentityInfo) {
	slices.SortFunc(members, func(a, b protocol.IdentityInfo) int {
		return strings.Compare(a.Username, b.Username)
	})
}
