// Package registry is the single source of truth for who is connected and
// which channel each identity occupies. All state sits behind one mutex so a
// membership change touching several maps is never observed half done.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityOffline  = errors.New("identity is offline")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrDuplicateChannel = errors.New("channel name already in use")
	ErrInvalidPresence  = errors.New("invalid presence")
)

// Identity is a snapshot of an authenticated participant.
type Identity struct {
	ID       uuid.UUID
	Username string
	Presence protocol.Presence
}

func (i Identity) Info() protocol.IdentityInfo {
	return protocol.IdentityInfo{ID: i.ID, Username: i.Username, Presence: i.Presence}
}

// Channel is a snapshot of a channel and its member IDs.
type Channel struct {
	ID          uuid.UUID
	Name        string
	Description *string
	ParentID    *uuid.UUID
	Members     []uuid.UUID
}

func (c Channel) Info() protocol.ChannelInfo {
	return protocol.ChannelInfo{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		ParentID:    c.ParentID,
		MemberIDs:   c.Members,
	}
}

// Roster is a channel together with its members' identities.
type Roster struct {
	Channel Channel
	Members []Identity
}

// Snapshot is a consistent read of the whole registry.
type Snapshot struct {
	Channels   []Channel
	Identities []Identity
}

type identity struct {
	id       uuid.UUID
	username string
	presence protocol.Presence
	channel  *uuid.UUID
}

type channel struct {
	id          uuid.UUID
	name        string
	description *string
	parentID    *uuid.UUID
	members     map[uuid.UUID]struct{}
}

// Registry holds identities, channels and membership.
type Registry struct {
	authn auth.Authenticator
	newID func() uuid.UUID
	check bool

	mu           sync.Mutex
	identities   map[uuid.UUID]*identity
	byName       map[string]uuid.UUID
	channels     map[uuid.UUID]*channel
	channelOrder []uuid.UUID
}

type Option func(*Registry)

// WithInvariantChecks re-validates membership after every mutation and
// panics on any desync.
func WithInvariantChecks() Option {
	return func(r *Registry) { r.check = true }
}

// WithIDGenerator replaces uuid.New, for deterministic tests.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(r *Registry) { r.newID = fn }
}

func New(authn auth.Authenticator, opts ...Option) *Registry {
	r := &Registry{
		authn:      authn,
		newID:      uuid.New,
		identities: make(map[uuid.UUID]*identity),
		byName:     make(map[string]uuid.UUID),
		channels:   make(map[uuid.UUID]*channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddChannel registers a channel. Names are unique.
func (r *Registry) AddChannel(name string, description *string, parentID *uuid.UUID) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		if ch.name == name {
			return Channel{}, fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
		}
	}
	if parentID != nil {
		if _, ok := r.channels[*parentID]; !ok {
			return Channel{}, fmt.Errorf("%w: parent %s", ErrChannelNotFound, parentID)
		}
	}

	ch := &channel{
		id:          r.newID(),
		name:        name,
		description: description,
		parentID:    parentID,
		members:     make(map[uuid.UUID]struct{}),
	}
	r.channels[ch.id] = ch
	r.channelOrder = append(r.channelOrder, ch.id)
	return r.channelLocked(ch), nil
}

// RemoveChannel deletes a channel, evicting its members. It returns the IDs
// of the evicted identities.
func (r *Registry) RemoveChannel(channelID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	ch, ok := r.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	for _, other := range r.channels {
		if other.parentID != nil && *other.parentID == channelID {
			other.parentID = nil
		}
	}

	evicted := lo.Keys(ch.members)
	for _, id := range evicted {
		r.identities[id].channel = nil
	}
	delete(r.channels, channelID)
	r.channelOrder = lo.Without(r.channelOrder, channelID)
	return evicted, nil
}

// Authenticate verifies credentials with the authenticator and then admits
// the username. Verification runs outside the lock since it may be slow.
func (r *Registry) Authenticate(ctx context.Context, username, secret string) (Identity, error) {
	if err := r.authn.Verify(ctx, username, secret); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return Identity{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return Identity{}, fmt.Errorf("verify credentials: %w", err)
	}
	return r.Admit(username)
}

// Admit marks username Online without verifying credentials, for
// transports that already authenticated the peer. A username whose
// identity is not Offline is refused with ErrAlreadyConnected.
func (r *Registry) Admit(username string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	if id, ok := r.byName[username]; ok {
		ident := r.identities[id]
		if ident.presence != protocol.PresenceOffline {
			return Identity{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, username)
		}
		ident.presence = protocol.PresenceOnline
		return ident.snapshot(), nil
	}

	ident := &identity{
		id:       r.newID(),
		username: username,
		presence: protocol.PresenceOnline,
	}
	r.identities[ident.id] = ident
	r.byName[username] = ident.id
	return ident.snapshot(), nil
}

// JoinChannel moves an identity into a channel, leaving any previous one,
// and returns the new channel's roster including the joiner.
func (r *Registry) JoinChannel(identityID, channelID uuid.UUID) (Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	ident, err := r.onlineLocked(identityID)
	if err != nil {
		return Roster{}, err
	}
	ch, ok := r.channels[channelID]
	if !ok {
		return Roster{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	r.leaveLocked(ident)
	ch.members[ident.id] = struct{}{}
	ident.channel = &ch.id
	return r.rosterLocked(ch), nil
}

// LeaveChannel removes an identity from its channel. It returns the channel
// left, or false when the identity was not in one.
func (r *Registry) LeaveChannel(identityID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	ident, ok := r.identities[identityID]
	if !ok {
		return uuid.Nil, false
	}
	return r.leaveLocked(ident)
}

func (r *Registry) leaveLocked(ident *identity) (uuid.UUID, bool) {
	if ident.channel == nil {
		return uuid.Nil, false
	}
	left := *ident.channel
	if ch, ok := r.channels[left]; ok {
		delete(ch.members, ident.id)
	}
	ident.channel = nil
	return left, true
}

// SetPresence changes an online identity's presence. Offline is reserved
// for RemoveIdentity.
func (r *Registry) SetPresence(identityID uuid.UUID, presence protocol.Presence) error {
	if !presence.Valid() || presence == protocol.PresenceOffline {
		return fmt.Errorf("%w: %s", ErrInvalidPresence, presence)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	ident, err := r.onlineLocked(identityID)
	if err != nil {
		return err
	}
	ident.presence = presence
	return nil
}

// RemoveIdentity takes an identity out of its channel and marks it Offline.
// The identity itself is kept so the username can log in again. It returns
// the channel left, if any.
func (r *Registry) RemoveIdentity(identityID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.verifyLocked()

	ident, ok := r.identities[identityID]
	if !ok {
		return uuid.Nil, false
	}
	left, wasIn := r.leaveLocked(ident)
	ident.presence = protocol.PresenceOffline
	return left, wasIn
}

func (r *Registry) onlineLocked(identityID uuid.UUID) (*identity, error) {
	ident, ok := r.identities[identityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}
	if ident.presence == protocol.PresenceOffline {
		return nil, fmt.Errorf("%w: %s", ErrIdentityOffline, ident.username)
	}
	return ident, nil
}

// Identity returns a snapshot of one identity.
func (r *Registry) Identity(identityID uuid.UUID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[identityID]
	if !ok {
		return Identity{}, false
	}
	return ident.snapshot(), true
}

// Channel returns a snapshot of one channel.
func (r *Registry) Channel(channelID uuid.UUID) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return Channel{}, false
	}
	return r.channelLocked(ch), true
}

// ChannelByName looks a channel up by its unique name.
func (r *Registry) ChannelByName(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.channelOrder {
		if ch := r.channels[id]; ch.name == name {
			return r.channelLocked(ch), true
		}
	}
	return Channel{}, false
}

// Roster returns a channel with its members' identities.
func (r *Registry) Roster(channelID uuid.UUID) (Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return Roster{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return r.rosterLocked(ch), nil
}

// Snapshot returns every channel in creation order and every identity
// ordered by username.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := lo.Map(r.channelOrder, func(id uuid.UUID, _ int) Channel {
		return r.channelLocked(r.channels[id])
	})
	identities := lo.MapToSlice(r.identities, func(_ uuid.UUID, ident *identity) Identity {
		return ident.snapshot()
	})
	slices.SortFunc(identities, func(a, b Identity) int { return cmp.Compare(a.Username, b.Username) })

	return Snapshot{Channels: channels, Identities: identities}
}

// CountOnline returns the number of identities that are not Offline.
func (r *Registry) CountOnline() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.CountBy(lo.Values(r.identities), func(ident *identity) bool {
		return ident.presence != protocol.PresenceOffline
	})
}

func (ident *identity) snapshot() Identity {
	return Identity{ID: ident.id, Username: ident.username, Presence: ident.presence}
}

// sortedMembersLocked returns member identities ordered by username.
func (r *Registry) sortedMembersLocked(ch *channel) []*identity {
	members := lo.Map(lo.Keys(ch.members), func(id uuid.UUID, _ int) *identity {
		return r.identities[id]
	})
	slices.SortFunc(members, func(a, b *identity) int { return cmp.Compare(a.username, b.username) })
	return members
}

func (r *Registry) channelLocked(ch *channel) Channel {
	return Channel{
		ID:          ch.id,
		Name:        ch.name,
		Description: ch.description,
		ParentID:    ch.parentID,
		Members: lo.Map(r.sortedMembersLocked(ch), func(ident *identity, _ int) uuid.UUID {
			return ident.id
		}),
	}
}

func (r *Registry) rosterLocked(ch *channel) Roster {
	return Roster{
		Channel: r.channelLocked(ch),
		Members: lo.Map(r.sortedMembersLocked(ch), func(ident *identity, _ int) Identity {
			return ident.snapshot()
		}),
	}
}

// verifyLocked panics if membership is inconsistent. It is a no-op unless
// WithInvariantChecks was given.
func (r *Registry) verifyLocked() {
	if !r.check {
		return
	}
	for id, ident := range r.identities {
		if r.byName[ident.username] != id {
			panic(fmt.Sprintf("registry: name index for %q points at %s, want %s", ident.username, r.byName[ident.username], id))
		}
		if ident.channel == nil {
			continue
		}
		if ident.presence == protocol.PresenceOffline {
			panic(fmt.Sprintf("registry: offline identity %q is in channel %s", ident.username, *ident.channel))
		}
		ch, ok := r.channels[*ident.channel]
		if !ok {
			panic(fmt.Sprintf("registry: identity %q points at missing channel %s", ident.username, *ident.channel))
		}
		if _, ok := ch.members[id]; !ok {
			panic(fmt.Sprintf("registry: identity %q points at channel %q which does not list it", ident.username, ch.name))
		}
	}
	for _, ch := range r.channels {
		for member := range ch.members {
			ident, ok := r.identities[member]
			if !ok {
				panic(fmt.Sprintf("registry: channel %q lists unknown identity %s", ch.name, member))
			}
			if ident.channel == nil || *ident.channel != ch.id {
				panic(fmt.Sprintf("registry: channel %q lists %q which is elsewhere", ch.name, ident.username))
			}
		}
	}
	if len(r.channelOrder) != len(r.channels) {
		panic("registry: channel order out of sync")
	}
}
