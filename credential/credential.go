// Package credential stores the bearer credential attached to API requests.
package credential

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// ErrReadOnly is returned by stores that cannot be written.
var ErrReadOnly = errors.New("credential: store is read-only")

// Source yields the current credential. An empty string means no credential;
// requests are then sent unauthenticated.
type Source interface {
	Credential(ctx context.Context) (string, error)
}

// Store is a Source that can also be written, like the login flow does.
type Store interface {
	Source
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Memory keeps the credential in process memory.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory returns a memory store holding token.
func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Credential(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

func (m *Memory) Set(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	return m.Set(context.Background(), "")
}

// TokenSource adapts an oauth2.TokenSource, refreshing through it as needed.
type TokenSource struct {
	src oauth2.TokenSource
}

// FromTokenSource wraps src. oauth2.ReuseTokenSource is applied so the
// underlying source is only consulted when the token expires.
func FromTokenSource(src oauth2.TokenSource) *TokenSource {
	return &TokenSource{src: oauth2.ReuseTokenSource(nil, src)}
}

// Static returns a TokenSource that always yields token.
func Static(token string) *TokenSource {
	return &TokenSource{src: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})}
}

func (t *TokenSource) Credential(context.Context) (string, error) {
	tok, err := t.src.Token()
	if err != nil {
		return "", err
	}
	if !tok.Valid() {
		return "", errors.New("credential: token expired")
	}
	return tok.AccessToken, nil
}

func (t *TokenSource) Set(context.Context, string) error { return ErrReadOnly }
func (t *TokenSource) Clear(context.Context) error       { return ErrReadOnly }
