package identity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/auth"
)

func TestNew_UniqueClientIDs(t *testing.T) {
	a, b := New("u", ""), New("u", "")
	assert.NotEqual(t, a.ClientID(), b.ClientID())
	_, err := uuid.Parse(a.ClientID())
	assert.NoError(t, err)
}

func TestFromToken(t *testing.T) {
	tok, _, err := auth.NewSigner("x").SignAccessToken("user-42", "n", time.Minute)
	require.NoError(t, err)

	id, err := FromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.UserID())
	assert.Equal(t, tok, id.Token())

	_, err = FromToken("not-a-jwt")
	assert.Error(t, err)
}
