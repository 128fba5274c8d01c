package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Handshake methods.
const (
	MethodAnonymous = "anonymous"
	MethodToken     = "token"
)

// Common errors
var (
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrUnknownMethod   = errors.New("unknown handshake method")
	ErrMethodsDisabled = errors.New("anonymous access is disabled")
)

// Identity is the authenticated principal of one connection.
type Identity struct {
	UserID    string
	Anonymous bool
}

// Authenticator issues and verifies connection tokens. Tokens are signed
// JWTs carrying the user id; anonymous handshakes mint a fresh identity.
type Authenticator struct {
	secret       []byte
	ttl          time.Duration
	allowAnon    bool
	signedMethod jwt.SigningMethod
}

// New creates an authenticator. ttl bounds issued token lifetime.
func New(secret string, ttl time.Duration, allowAnonymous bool) *Authenticator {
	return &Authenticator{
		secret:       []byte(secret),
		ttl:          ttl,
		allowAnon:    allowAnonymous,
		signedMethod: jwt.SigningMethodHS256,
	}
}

// Handshake resolves a handshake method and credential into an identity
// and a (possibly refreshed) token.
func (a *Authenticator) Handshake(method, token string) (Identity, string, error) {
	switch method {
	case MethodAnonymous, "":
		if !a.allowAnon {
			return Identity{}, "", ErrMethodsDisabled
		}
		id := Identity{UserID: uuid.NewString(), Anonymous: true}
		signed, err := a.Issue(id)
		if err != nil {
			return Identity{}, "", err
		}
		return id, signed, nil

	case MethodToken:
		id, err := a.Verify(token)
		if err != nil {
			return Identity{}, "", err
		}
		return id, token, nil

	default:
		return Identity{}, "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// Issue signs a token for an identity.
func (a *Authenticator) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	if id.Anonymous {
		claims["anon"] = true
	}
	signed, err := jwt.NewWithClaims(a.signedMethod, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (a *Authenticator) Verify(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != a.signedMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}
	anon, _ := claims["anon"].(bool)
	return Identity{UserID: sub, Anonymous: anon}, nil
}
