package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoireapp/grimoire-server/internal/domain"
	"github.com/grimoireapp/grimoire-server/internal/id"
)

func newStoredUser(t *testing.T, s *Store, email string) *domain.User {
	t.Helper()

	user := &domain.User{
		ID:           id.MustGenerate("user"),
		Email:        email,
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestCreateAndGetUser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	user := newStoredUser(t, s, "reader@example.com")

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)
}

func TestGetUser_NotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.GetUser(context.Background(), id.MustGenerate("user"))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := setupStore(t)

	newStoredUser(t, s, "reader@example.com")

	dup := &domain.User{
		ID:           id.MustGenerate("user"),
		Email:        "reader@example.com",
		PasswordHash: "x",
	}
	assert.ErrorIs(t, s.CreateUser(context.Background(), dup), ErrEmailExists)

	// Same address with different casing is still a duplicate.
	dup.Email = "Reader@Example.COM"
	assert.ErrorIs(t, s.CreateUser(context.Background(), dup), ErrEmailExists)
}

func TestGetUserByEmail(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	user := newStoredUser(t, s, "reader@example.com")

	got, err := s.GetUserByEmail(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	// Lookup is case-insensitive.
	got, err = s.GetUserByEmail(ctx, "  READER@example.com ")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
