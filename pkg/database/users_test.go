package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *UserDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLookupNickname(t *testing.T) {
	db := openTestDB(t)

	t.Run("unknown nickname is free", func(t *testing.T) {
		got, err := db.LookupNickname("nobody")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("registered nickname is reserved", func(t *testing.T) {
		require.NoError(t, db.Register("alice", "s3cret"))

		got, err := db.LookupNickname("alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", got)
	})

	t.Run("matching is case-insensitive", func(t *testing.T) {
		got, err := db.LookupNickname("ALICE")
		require.NoError(t, err)
		assert.Equal(t, "alice", got, "canonical casing returned")
	})
}

func TestRegister(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Register("alice", "s3cret"))

	t.Run("duplicate nickname rejected", func(t *testing.T) {
		assert.ErrorIs(t, db.Register("alice", "other"), ErrNicknameExists)
	})

	t.Run("password is not stored in the clear", func(t *testing.T) {
		var hash string
		err := db.conn.QueryRow(
			"SELECT password_hash FROM User WHERE nickname = ?", "alice",
		).Scan(&hash)
		require.NoError(t, err)
		assert.NotContains(t, hash, "s3cret")
	})
}

func TestAuthenticate(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Register("alice", "s3cret"))

	assert.NoError(t, db.Authenticate("alice", "s3cret"))
	assert.ErrorIs(t, db.Authenticate("alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, db.Authenticate("nobody", "s3cret"), ErrUnknownUser)
}

func TestRenameNickname(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Register("alice", "s3cret"))
	require.NoError(t, db.Register("bob", "hunter2"))

	t.Run("moves the account", func(t *testing.T) {
		require.NoError(t, db.RenameNickname("alice", "alicia"))

		got, err := db.LookupNickname("alicia")
		require.NoError(t, err)
		assert.Equal(t, "alicia", got)

		got, err = db.LookupNickname("alice")
		require.NoError(t, err)
		assert.Empty(t, got, "old nickname freed")

		// Credentials follow the account
		assert.NoError(t, db.Authenticate("alicia", "s3cret"))
	})

	t.Run("target reserved by another account", func(t *testing.T) {
		assert.ErrorIs(t, db.RenameNickname("alicia", "bob"), ErrNicknameExists)
	})

	t.Run("unknown nickname is a no-op", func(t *testing.T) {
		// Transient chat users have no persisted account to move
		assert.NoError(t, db.RenameNickname("ghost", "phantom"))

		got, err := db.LookupNickname("phantom")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "users.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Register("alice", "s3cret"))
}
