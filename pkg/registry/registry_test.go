package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/auth/mocks"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"pgregory.net/rapid"
)

func strPtr(s string) *string { return &s }

func newTestRegistry(t *testing.T) (*Registry, Channel, Channel) {
	t.Helper()
	r := New(auth.AcceptAll{}, WithInvariantChecks())
	general, err := r.AddChannel("General", strPtr("General voice channel"), nil)
	require.NoError(t, err)
	gaming, err := r.AddChannel("Gaming", strPtr("For gaming sessions"), nil)
	require.NoError(t, err)
	return r, general, gaming
}

func login(t *testing.T, r *Registry, name string) Identity {
	t.Helper()
	ident, err := r.Authenticate(context.Background(), name, "")
	require.NoError(t, err)
	return ident
}

func TestAuthenticateDelegatesToAuthenticator(t *testing.T) {
	ctrl := gomock.NewController(t)
	authn := mocks.NewMockAuthenticator(ctrl)
	r := New(authn, WithInvariantChecks())
	ctx := context.Background()

	authn.EXPECT().Verify(gomock.Any(), "alice", "right").Return(nil)
	ident, err := r.Authenticate(ctx, "alice", "right")
	require.NoError(t, err)
	assert.Equal(t, "alice", ident.Username)
	assert.Equal(t, protocol.PresenceOnline, ident.Presence)
	assert.NotEqual(t, uuid.Nil, ident.ID)

	authn.EXPECT().Verify(gomock.Any(), "bob", "wrong").Return(auth.ErrInvalidCredentials)
	_, err = r.Authenticate(ctx, "bob", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	boom := errors.New("store unavailable")
	authn.EXPECT().Verify(gomock.Any(), "carol", "pw").Return(boom)
	_, err = r.Authenticate(ctx, "carol", "pw")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAuthFailed)

	_, ok := r.Identity(ident.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, r.CountOnline(), "failed logins create no identity")
}

func TestAlreadyConnected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first := login(t, r, "alice")

	_, err := r.Authenticate(context.Background(), "alice", "")
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	r.RemoveIdentity(first.ID)
	again := login(t, r, "alice")
	assert.Equal(t, first.ID, again.ID, "returning user keeps their identity")
	assert.Equal(t, protocol.PresenceOnline, again.Presence)
}

func TestJoinChannel(t *testing.T) {
	r, general, gaming := newTestRegistry(t)
	alice := login(t, r, "alice")
	bob := login(t, r, "bob")

	roster, err := r.JoinChannel(alice.ID, general.ID)
	require.NoError(t, err)
	assert.Equal(t, general.ID, roster.Channel.ID)
	assert.Equal(t, []uuid.UUID{alice.ID}, roster.Channel.Members)

	roster, err = r.JoinChannel(bob.ID, general.ID)
	require.NoError(t, err)
	require.Len(t, roster.Members, 2)
	assert.Equal(t, "alice", roster.Members[0].Username)
	assert.Equal(t, "bob", roster.Members[1].Username)

	// switching channels leaves the old one
	_, err = r.JoinChannel(alice.ID, gaming.ID)
	require.NoError(t, err)
	g, _ := r.Channel(general.ID)
	assert.Equal(t, []uuid.UUID{bob.ID}, g.Members)

	// rejoining the same channel is a no-op for membership
	roster, err = r.JoinChannel(alice.ID, gaming.ID)
	require.NoError(t, err)
	assert.Len(t, roster.Members, 1)
}

func TestJoinChannelErrors(t *testing.T) {
	r, general, _ := newTestRegistry(t)
	alice := login(t, r, "alice")

	_, err := r.JoinChannel(alice.ID, uuid.New())
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = r.JoinChannel(uuid.New(), general.ID)
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	r.RemoveIdentity(alice.ID)
	_, err = r.JoinChannel(alice.ID, general.ID)
	assert.ErrorIs(t, err, ErrIdentityOffline)
}

func TestLeaveChannel(t *testing.T) {
	r, general, _ := newTestRegistry(t)
	alice := login(t, r, "alice")

	_, ok := r.LeaveChannel(alice.ID)
	assert.False(t, ok, "not in a channel")

	_, err := r.JoinChannel(alice.ID, general.ID)
	require.NoError(t, err)

	left, ok := r.LeaveChannel(alice.ID)
	assert.True(t, ok)
	assert.Equal(t, general.ID, left)

	_, ok = r.LeaveChannel(alice.ID)
	assert.False(t, ok)

	_, ok = r.LeaveChannel(uuid.New())
	assert.False(t, ok)
}

func TestSetPresence(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	alice := login(t, r, "alice")

	require.NoError(t, r.SetPresence(alice.ID, protocol.PresenceAway))
	got, _ := r.Identity(alice.ID)
	assert.Equal(t, protocol.PresenceAway, got.Presence)

	assert.ErrorIs(t, r.SetPresence(alice.ID, protocol.PresenceOffline), ErrInvalidPresence)
	assert.ErrorIs(t, r.SetPresence(alice.ID, protocol.Presence(42)), ErrInvalidPresence)
	assert.ErrorIs(t, r.SetPresence(uuid.New(), protocol.PresenceAway), ErrIdentityNotFound)

	r.RemoveIdentity(alice.ID)
	assert.ErrorIs(t, r.SetPresence(alice.ID, protocol.PresenceOnline), ErrIdentityOffline)
}

func TestRemoveIdentity(t *testing.T) {
	r, general, _ := newTestRegistry(t)
	alice := login(t, r, "alice")
	_, err := r.JoinChannel(alice.ID, general.ID)
	require.NoError(t, err)

	left, ok := r.RemoveIdentity(alice.ID)
	assert.True(t, ok)
	assert.Equal(t, general.ID, left)

	got, _ := r.Identity(alice.ID)
	assert.Equal(t, protocol.PresenceOffline, got.Presence)
	g, _ := r.Channel(general.ID)
	assert.Empty(t, g.Members)

	_, ok = r.RemoveIdentity(alice.ID)
	assert.False(t, ok, "second removal leaves nothing")
}

func TestAddChannel(t *testing.T) {
	r, general, _ := newTestRegistry(t)

	_, err := r.AddChannel("General", nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateChannel)

	missing := uuid.New()
	_, err = r.AddChannel("Orphan", nil, &missing)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	sub, err := r.AddChannel("Squad", nil, &general.ID)
	require.NoError(t, err)
	assert.Equal(t, general.ID, *sub.ParentID)

	byName, ok := r.ChannelByName("Squad")
	require.True(t, ok)
	assert.Equal(t, sub.ID, byName.ID)

	_, ok = r.ChannelByName("nope")
	assert.False(t, ok)
}

func TestRemoveChannel(t *testing.T) {
	r, general, gaming := newTestRegistry(t)
	sub, err := r.AddChannel("Squad", nil, &general.ID)
	require.NoError(t, err)
	alice := login(t, r, "alice")
	_, err = r.JoinChannel(alice.ID, general.ID)
	require.NoError(t, err)

	evicted, err := r.RemoveChannel(general.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{alice.ID}, evicted)

	_, ok := r.LeaveChannel(alice.ID)
	assert.False(t, ok)

	s, _ := r.Channel(sub.ID)
	assert.Nil(t, s.ParentID, "children are detached from a removed parent")

	snap := r.Snapshot()
	require.Len(t, snap.Channels, 2)
	assert.Equal(t, gaming.ID, snap.Channels[0].ID)

	_, err = r.RemoveChannel(general.ID)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestSnapshotOrdering(t *testing.T) {
	r, general, gaming := newTestRegistry(t)
	for _, name := range []string{"zoe", "alice", "mike"} {
		ident := login(t, r, name)
		_, err := r.JoinChannel(ident.ID, general.ID)
		require.NoError(t, err)
	}

	snap := r.Snapshot()
	require.Len(t, snap.Channels, 2)
	assert.Equal(t, general.ID, snap.Channels[0].ID)
	assert.Equal(t, gaming.ID, snap.Channels[1].ID)
	assert.Len(t, snap.Channels[0].Members, 3)

	names := make([]string, 0, len(snap.Identities))
	for _, ident := range snap.Identities {
		names = append(names, ident.Username)
	}
	assert.Equal(t, []string{"alice", "mike", "zoe"}, names)

	roster, err := r.Roster(general.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", roster.Members[0].Username)

	_, err = r.Roster(uuid.New())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestWithIDGenerator(t *testing.T) {
	var n byte
	r := New(auth.AcceptAll{}, WithIDGenerator(func() uuid.UUID {
		n++
		return uuid.UUID{15: n}
	}))
	ch, err := r.AddChannel("General", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uuid.UUID{15: 1}, ch.ID)

	ident := login(t, r, "alice")
	assert.Equal(t, uuid.UUID{15: 2}, ident.ID)
}

func TestInvariantCheckPanicsOnDesync(t *testing.T) {
	r, general, _ := newTestRegistry(t)
	alice := login(t, r, "alice")
	_, err := r.JoinChannel(alice.ID, general.ID)
	require.NoError(t, err)

	// corrupt membership behind the registry's back
	r.mu.Lock()
	delete(r.channels[general.ID].members, alice.ID)
	r.mu.Unlock()

	assert.Panics(t, func() { r.SetPresence(alice.ID, protocol.PresenceAway) })
}

// TestMembershipExclusive drives random operations and checks that every
// online identity is in at most one channel, and that the channel lists it.
func TestMembershipExclusive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(auth.AcceptAll{}, WithInvariantChecks())
		var channels []uuid.UUID
		for i := range rapid.IntRange(1, 4).Draw(t, "channels") {
			ch, err := r.AddChannel(fmt.Sprintf("ch%d", i), nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			channels = append(channels, ch.ID)
		}
		names := []string{"alice", "bob", "carol", "dave"}
		ids := map[string]uuid.UUID{}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for range steps {
			name := rapid.SampledFrom(names).Draw(t, "who")
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				ident, err := r.Admit(name)
				if err == nil {
					ids[name] = ident.ID
				} else if !errors.Is(err, ErrAlreadyConnected) {
					t.Fatalf("admit: %v", err)
				}
			case 1:
				if id, ok := ids[name]; ok {
					_, err := r.JoinChannel(id, rapid.SampledFrom(channels).Draw(t, "channel"))
					if err != nil && !errors.Is(err, ErrIdentityOffline) {
						t.Fatalf("join: %v", err)
					}
				}
			case 2:
				if id, ok := ids[name]; ok {
					r.LeaveChannel(id)
				}
			case 3:
				if id, ok := ids[name]; ok {
					r.RemoveIdentity(id)
				}
			case 4:
				if id, ok := ids[name]; ok {
					_ = r.SetPresence(id, protocol.PresenceDoNotDisturb)
				}
			}
		}

		snap := r.Snapshot()
		seen := map[uuid.UUID]uuid.UUID{}
		for _, ch := range snap.Channels {
			for _, member := range ch.Members {
				if prev, dup := seen[member]; dup {
					t.Fatalf("identity %s in both %s and %s", member, prev, ch.ID)
				}
				seen[member] = ch.ID
			}
		}
		for _, ident := range snap.Identities {
			if ident.Presence == protocol.PresenceOffline {
				if _, in := seen[ident.ID]; in {
					t.Fatalf("offline %s still in a channel", ident.Username)
				}
			}
		}
	})
}
