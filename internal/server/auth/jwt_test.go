package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/server/config"
)

func TestGenerateAndVerify_Success(t *testing.T) {
	t.Parallel()

	secret := []byte("super-secret")

	tok, err := GenerateToken("user-123", secret, time.Hour)
	require.NoError(t, err)

	userID, err := UserIDFromToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

// Config carries the secret as a string; minting and verifying must agree on
// the []byte conversion the way the -issue-token facility does.
func TestGenerateTokenWithConfigSecret(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.LoadDefaults()

	tok, err := GenerateToken("user-1", []byte(cfg.SecretKey), cfg.TokenValidity)
	require.NoError(t, err)

	userID, err := UserIDFromToken(tok, []byte(cfg.SecretKey))
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestUserIDFromToken_Expired(t *testing.T) {
	t.Parallel()

	secret := []byte("secret")
	tok, err := GenerateToken("u1", secret, -1*time.Second)
	require.NoError(t, err)

	_, err = UserIDFromToken(tok, secret)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestUserIDFromToken_WrongSecret(t *testing.T) {
	t.Parallel()

	tok, err := GenerateToken("u2", []byte("right-secret"), time.Hour)
	require.NoError(t, err)

	_, err = UserIDFromToken(tok, []byte("wrong-secret"))
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestUserIDFromToken_Malformed(t *testing.T) {
	t.Parallel()

	_, err := UserIDFromToken("not.a.jwt", []byte("k"))
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestUserIDFromToken_MissingUserID(t *testing.T) {
	t.Parallel()

	secret := []byte("k")
	tok, err := GenerateToken("", secret, time.Hour)
	require.NoError(t, err)

	_, err = UserIDFromToken(tok, secret)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}
