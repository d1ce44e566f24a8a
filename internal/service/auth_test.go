package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoireapp/grimoire-server/internal/auth"
	domainerrors "github.com/grimoireapp/grimoire-server/internal/errors"
	"github.com/grimoireapp/grimoire-server/internal/store"
)

func setupAuthService(t *testing.T) *AuthService {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := bytes.Repeat([]byte{0x42}, 32)
	tokens, err := auth.NewTokenService(key, auth.DefaultAccessTokenDuration)
	require.NoError(t, err)

	return NewAuthService(st, tokens, logger)
}

func TestAuthService_Signup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an account", func(t *testing.T) {
		svc := setupAuthService(t)

		resp, err := svc.Signup(ctx, SignupRequest{
			Email:    "colette@example.com",
			Password: "chouette-password",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(resp.UserID, "user-"))
		assert.NotEmpty(t, resp.Message)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "dup@example.com", Password: "password-one"})
		require.NoError(t, err)

		_, err = svc.Signup(ctx, SignupRequest{Email: "dup@example.com", Password: "password-two"})
		assert.ErrorIs(t, err, domainerrors.ErrAlreadyExists)
	})

	t.Run("case-variant duplicate email conflicts", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "casey@example.com", Password: "password-one"})
		require.NoError(t, err)

		_, err = svc.Signup(ctx, SignupRequest{Email: "Casey@Example.com", Password: "password-two"})
		assert.ErrorIs(t, err, domainerrors.ErrAlreadyExists)
	})

	t.Run("rejects invalid email", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "not-an-email", Password: "long-enough-password"})
		require.ErrorIs(t, err, domainerrors.ErrValidation)
		assert.Contains(t, err.Error(), "email")
	})

	t.Run("rejects short password", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "short@example.com", Password: "short"})
		require.ErrorIs(t, err, domainerrors.ErrValidation)
		assert.Contains(t, err.Error(), "password")
	})
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials yield a token", func(t *testing.T) {
		svc := setupAuthService(t)

		signup, err := svc.Signup(ctx, SignupRequest{Email: "login@example.com", Password: "correct-horse"})
		require.NoError(t, err)

		resp, err := svc.Login(ctx, LoginRequest{Email: "login@example.com", Password: "correct-horse"})
		require.NoError(t, err)
		assert.Equal(t, signup.UserID, resp.UserID)
		assert.True(t, strings.HasPrefix(resp.Token, "v4.local."))
	})

	t.Run("token carries the user identity", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "claims@example.com", Password: "correct-horse"})
		require.NoError(t, err)

		resp, err := svc.Login(ctx, LoginRequest{Email: "claims@example.com", Password: "correct-horse"})
		require.NoError(t, err)

		claims, err := svc.tokenService.VerifyAccessToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, resp.UserID, claims.UserID)
		assert.Equal(t, "claims@example.com", claims.Email)
	})

	t.Run("unknown email and wrong password fail identically", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Signup(ctx, SignupRequest{Email: "present@example.com", Password: "correct-horse"})
		require.NoError(t, err)

		_, errUnknown := svc.Login(ctx, LoginRequest{Email: "absent@example.com", Password: "whatever-pass"})
		_, errWrong := svc.Login(ctx, LoginRequest{Email: "present@example.com", Password: "wrong-password"})

		require.ErrorIs(t, errUnknown, domainerrors.ErrInvalidCredentials)
		require.ErrorIs(t, errWrong, domainerrors.ErrInvalidCredentials)
		assert.Equal(t, errUnknown.Error(), errWrong.Error())
	})

	t.Run("rejects missing password", func(t *testing.T) {
		svc := setupAuthService(t)

		_, err := svc.Login(ctx, LoginRequest{Email: "someone@example.com"})
		assert.ErrorIs(t, err, domainerrors.ErrValidation)
	})
}
