package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultMargin is subtracted from the advertised lifetime so the cached
	// token is rotated before the far end rejects it.
	defaultMargin = 2 * time.Minute
	// minLifetime bounds the margin subtraction for very short-lived tokens.
	minLifetime = 30 * time.Second
)

// CredentialSource mints a fresh bearer token with its advertised lifetime.
type CredentialSource interface {
	Mint(ctx context.Context) (token string, ttl time.Duration, err error)
}

// StaticSource returns a fixed token that never expires.
type StaticSource string

func (s StaticSource) Mint(context.Context) (string, time.Duration, error) {
	return string(s), 100 * 365 * 24 * time.Hour, nil
}

// SourceFunc adapts a function to CredentialSource.
type SourceFunc func(ctx context.Context) (string, time.Duration, error)

func (f SourceFunc) Mint(ctx context.Context) (string, time.Duration, error) { return f(ctx) }

// TokenVault caches a bearer credential and rotates it ahead of expiry. It
// satisfies both the adapters' TokenProvider and the retry ladder's Refresher.
type TokenVault struct {
	source CredentialSource
	margin time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time

	now func() time.Time
}

// NewTokenVault wraps source with caching. margin is how far ahead of the
// advertised expiry the token is rotated; zero selects the default.
func NewTokenVault(log *slog.Logger, source CredentialSource, margin time.Duration) *TokenVault {
	if log == nil {
		log = slog.Default()
	}
	if margin <= 0 {
		margin = defaultMargin
	}
	return &TokenVault{
		source: source,
		margin: margin,
		logger: log.With(slog.String("component", "token_vault")),
		now:    time.Now,
	}
}

// Token returns the cached credential, minting a new one when the cache is
// empty or within the refresh margin of expiry.
func (v *TokenVault) Token(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.token != "" && v.now().Before(v.expiry) {
		return v.token, nil
	}
	return v.mintLocked(ctx)
}

// Refresh discards the cached credential and mints a fresh one. The retry
// ladder calls this after an auth-classified failure.
func (v *TokenVault) Refresh(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = ""
	_, err := v.mintLocked(ctx)
	return err
}

// Invalidate drops the cached credential without minting a replacement.
func (v *TokenVault) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = ""
	v.expiry = time.Time{}
}

func (v *TokenVault) mintLocked(ctx context.Context) (string, error) {
	token, ttl, err := v.source.Mint(ctx)
	if err != nil {
		return "", err
	}
	lifetime := ttl - v.margin
	if lifetime < minLifetime {
		lifetime = minLifetime
	}
	v.token = token
	v.expiry = v.now().Add(lifetime)
	v.logger.Debug("minted bearer token", slog.Duration("lifetime", lifetime))
	return token, nil
}
