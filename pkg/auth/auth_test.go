package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"simple", "alice", false},
		{"punctuation", "bob_the-builder.2", false},
		{"empty", "", true},
		{"space", "al ice", true},
		{"too long", strings.Repeat("a", 33), true},
		{"non-ascii", "ålice", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredentials(tt.username, "secret")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUsername)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAcceptAll(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, AcceptAll{}.Verify(ctx, "alice", ""))
	assert.NoError(t, AcceptAll{}.Verify(ctx, "alice", "anything"))
	assert.ErrorIs(t, AcceptAll{}.Verify(ctx, "", "x"), ErrInvalidCredentials)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	hash, err := HashSecret("hunter2")
	require.NoError(t, err)

	s := NewStatic(map[string]string{"alice": hash})

	assert.NoError(t, s.Verify(ctx, "alice", "hunter2"))
	assert.ErrorIs(t, s.Verify(ctx, "alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.Verify(ctx, "bob", "hunter2"), ErrInvalidCredentials)
}

func TestStaticMalformedHash(t *testing.T) {
	s := NewStatic(map[string]string{"alice": "not-a-bcrypt-hash"})
	assert.ErrorIs(t, s.Verify(context.Background(), "alice", "x"), ErrInvalidCredentials)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	next := AuthenticatorFunc(func(_ context.Context, username, secret string) error {
		calls.Add(1)
		if secret != "right" {
			return ErrInvalidCredentials
		}
		return nil
	})

	c, err := NewCached(next, 8)
	require.NoError(t, err)

	require.NoError(t, c.Verify(ctx, "alice", "right"))
	require.NoError(t, c.Verify(ctx, "alice", "right"))
	assert.Equal(t, int32(1), calls.Load(), "second success served from cache")

	assert.ErrorIs(t, c.Verify(ctx, "alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, c.Verify(ctx, "alice", "wrong"), ErrInvalidCredentials)
	assert.Equal(t, int32(3), calls.Load(), "failures are not cached")

	c.Invalidate("alice")
	assert.Zero(t, c.Len())
	require.NoError(t, c.Verify(ctx, "alice", "right"))
	assert.Equal(t, int32(4), calls.Load())
}

func TestCachedPropagatesInfrastructureErrors(t *testing.T) {
	boom := errors.New("database is locked")
	c, err := NewCached(AuthenticatorFunc(func(context.Context, string, string) error { return boom }), 4)
	require.NoError(t, err)

	err = c.Verify(context.Background(), "alice", "x")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	t.Run("add and verify", func(t *testing.T) {
		require.NoError(t, store.AddUser(ctx, "alice", "s3cret"))
		assert.NoError(t, store.Verify(ctx, "alice", "s3cret"))
		assert.ErrorIs(t, store.Verify(ctx, "alice", "nope"), ErrInvalidCredentials)
	})

	t.Run("duplicate user", func(t *testing.T) {
		err := store.AddUser(ctx, "alice", "other")
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("unknown user", func(t *testing.T) {
		assert.ErrorIs(t, store.Verify(ctx, "mallory", "s3cret"), ErrInvalidCredentials)
		assert.ErrorIs(t, store.RemoveUser(ctx, "mallory"), ErrUnknownUser)
	})

	t.Run("invalid username rejected on add", func(t *testing.T) {
		assert.ErrorIs(t, store.AddUser(ctx, "has space", "x"), ErrInvalidUsername)
	})

	t.Run("set secret", func(t *testing.T) {
		require.NoError(t, store.SetSecret(ctx, "alice", "rotated"))
		assert.NoError(t, store.Verify(ctx, "alice", "rotated"))
		assert.ErrorIs(t, store.Verify(ctx, "alice", "s3cret"), ErrInvalidCredentials)
	})

	t.Run("list and remove", func(t *testing.T) {
		require.NoError(t, store.AddUser(ctx, "bob", "pw"))
		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "alice", users[0].Username)
		assert.Equal(t, "bob", users[1].Username)
		assert.False(t, users[0].CreatedAt.IsZero())

		require.NoError(t, store.RemoveUser(ctx, "bob"))
		users, err = store.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.AddUser(ctx, "carol", "pw"))
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Verify(ctx, "carol", "pw"))
}
