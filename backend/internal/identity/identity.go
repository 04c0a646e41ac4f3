// Package identity supplies who the local client is. The sync engine never
// authenticates anyone itself.
package identity

import (
	"fmt"

	"github.com/google/uuid"

	"collabSync/backend/internal/auth"
)

type Provider interface {
	UserID() string
	// ClientID is unique per running client; it tags outbound batches so
	// the client can recognize its own edits when they are echoed back.
	ClientID() string
	Token() string
}

type Static struct {
	User        string
	Client      string
	AccessToken string
}

var _ Provider = (*Static)(nil)

// New returns a Static identity with a fresh client id.
func New(userID, token string) *Static {
	return &Static{User: userID, Client: uuid.NewString(), AccessToken: token}
}

// FromToken takes the user id from an access token's claims.
func FromToken(token string) (*Static, error) {
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("identity: token has no subject")
	}
	return New(claims.UserID, token), nil
}

func (s *Static) UserID() string   { return s.User }
func (s *Static) ClientID() string { return s.Client }
func (s *Static) Token() string    { return s.AccessToken }
