package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("auth: wrong token type")

type Claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens with one shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = "dev-secret"
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) sign(userID, username, typ string, ttl time.Duration) (string, time.Time, error) {
	exp := s.now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func (s *Signer) SignAccessToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TokenAccess, ttl)
}

func (s *Signer) SignRefreshToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TokenRefresh, ttl)
}

// ParseToken verifies signature and expiry and returns the claims.
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ParseAccessToken is ParseToken restricted to access tokens.
func (s *Signer) ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ParseUnverified reads the claims without checking the signature. Clients
// use it to learn their own user id; never use it to authorize anything.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
