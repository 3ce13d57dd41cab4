package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/victornm/quizlive/internal/store"
)

// DefaultTokenKey is where the access credential is kept in durable storage.
const DefaultTokenKey = "auth:access_token"

// TokenSource returns the current bearer credential. An empty token means the
// user is not signed in.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// Stored reads the credential from a store on every call, so a token written by
// another component is picked up without restarting.
type Stored struct {
	Store store.Store
	Key   string
}

func (s Stored) Token(ctx context.Context) (string, error) {
	key := s.Key
	if key == "" {
		key = DefaultTokenKey
	}

	b, ok, err := s.Store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("auth: read token: %w", err)
	}
	if !ok {
		return "", nil
	}

	return strings.TrimSpace(string(b)), nil
}

// Save writes the credential where Stored reads it.
func Save(ctx context.Context, s store.Store, key, token string) error {
	if key == "" {
		key = DefaultTokenKey
	}
	return s.Set(ctx, key, []byte(token))
}

// Bearer returns the Authorization header value for a token.
func Bearer(token string) string {
	return "Bearer " + token
}
