package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVault_CachesUntilMargin(t *testing.T) {
	mints := 0
	v := NewTokenVault(nil, SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		mints++
		return "tok", time.Hour, nil
	}), 0)
	base := time.Unix(1000, 0)
	v.now = func() time.Time { return base }

	tok, err := v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	_, err = v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mints, "second call within lifetime must hit the cache")

	// Just before expiry minus margin the cache still serves.
	v.now = func() time.Time { return base.Add(time.Hour - defaultMargin - time.Second) }
	_, err = v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mints)

	// Past the margin a new token is minted.
	v.now = func() time.Time { return base.Add(time.Hour - defaultMargin + time.Second) }
	_, err = v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mints)
}

func TestTokenVault_ShortLivedTokenGetsFloor(t *testing.T) {
	v := NewTokenVault(nil, SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		return "tok", 10 * time.Second, nil
	}), 0)
	base := time.Unix(1000, 0)
	v.now = func() time.Time { return base }

	_, err := v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base.Add(minLifetime), v.expiry,
		"lifetime shorter than the margin is floored, not negative")
}

func TestTokenVault_RefreshForcesMint(t *testing.T) {
	mints := 0
	v := NewTokenVault(nil, SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		mints++
		return "tok", time.Hour, nil
	}), 0)

	_, err := v.Token(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, 2, mints)
}

func TestTokenVault_MintFailurePropagates(t *testing.T) {
	v := NewTokenVault(nil, SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, errors.New("identity service down")
	}), 0)

	_, err := v.Token(context.Background())
	require.Error(t, err)
}

func TestTokenVault_InvalidateDropsCache(t *testing.T) {
	mints := 0
	v := NewTokenVault(nil, SourceFunc(func(ctx context.Context) (string, time.Duration, error) {
		mints++
		return "tok", time.Hour, nil
	}), 0)

	_, err := v.Token(context.Background())
	require.NoError(t, err)
	v.Invalidate()
	_, err = v.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mints)
}
