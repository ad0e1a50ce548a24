package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nested", "users.db")

	code, err := run([]string{"-db", db, "add", "alice"}, strings.NewReader("hunter2\n"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = run([]string{"-db", db, "add", "alice"}, strings.NewReader("again\n"), &bytes.Buffer{})
	assert.ErrorIs(t, err, auth.ErrUserExists)

	var out bytes.Buffer
	_, err = run([]string{"-db", db, "list"}, strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "USERNAME")
	assert.Contains(t, out.String(), "alice")

	_, err = run([]string{"-db", db, "passwd", "alice"}, strings.NewReader("swordfish"), &bytes.Buffer{})
	require.NoError(t, err)

	store, err := auth.OpenStore(db)
	require.NoError(t, err)
	assert.NoError(t, store.Verify(context.Background(), "alice", "swordfish"))
	assert.ErrorIs(t, store.Verify(context.Background(), "alice", "hunter2"), auth.ErrInvalidCredentials)
	require.NoError(t, store.Close())

	_, err = run([]string{"-db", db, "remove", "alice"}, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	_, err = run([]string{"-db", db, "remove", "alice"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, auth.ErrUnknownUser)
}

func TestHash(t *testing.T) {
	var out bytes.Buffer
	code, err := run([]string{"hash"}, strings.NewReader("hunter2\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	static := auth.NewStatic(map[string]string{"bob": strings.TrimSpace(out.String())})
	assert.NoError(t, static.Verify(context.Background(), "bob", "hunter2"))
}

func TestUsageErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "users.db")
	for _, args := range [][]string{
		nil,
		{"-db", db, "add"},
		{"-db", db, "frobnicate"},
		{"-nope"},
	} {
		code, err := run(args, strings.NewReader(""), &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage, "args %v", args)
		assert.Equal(t, 2, code)
	}

	_, err := run([]string{"-db", db, "add", "carol"}, strings.NewReader("\n"), &bytes.Buffer{})
	assert.EqualError(t, err, "empty secret")
}
