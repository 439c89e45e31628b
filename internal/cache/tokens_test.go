package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory()
	tc := NewTokenCache(m, 30*time.Second)
	uid := uuid.New()

	_, _, ok, err := tc.GetToken(ctx, uid)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tc.SetToken(ctx, uid, "abc", "r1", time.Hour))
	tok, rnd, ok, err := tc.GetToken(ctx, uid)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	assert.Equal(t, "r1", rnd)

	clk.advance(time.Hour)
	_, _, ok, err = tc.GetToken(ctx, uid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenCacheClear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	tc := NewTokenCache(m, 30*time.Second)
	uid := uuid.New()

	require.NoError(t, tc.SetToken(ctx, uid, "abc", "r1", time.Hour))
	require.NoError(t, tc.ClearToken(ctx, uid))
	_, _, ok, _ := tc.GetToken(ctx, uid)
	assert.False(t, ok)
}

func TestTokenCacheTimeoutNotExtended(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory()
	tc := NewTokenCache(m, 30*time.Second)
	uid := uuid.New()

	waiting, err := tc.AwaitingTimeout(ctx, uid)
	require.NoError(t, err)
	assert.False(t, waiting)

	require.NoError(t, tc.SetTimeout(ctx, uid))
	clk.advance(20 * time.Second)
	// second failure inside the window must not push expiry out
	require.NoError(t, tc.SetTimeout(ctx, uid))

	waiting, _ = tc.AwaitingTimeout(ctx, uid)
	assert.True(t, waiting)

	clk.advance(11 * time.Second)
	waiting, _ = tc.AwaitingTimeout(ctx, uid)
	assert.False(t, waiting)
}

func TestTokenCacheDevicesIsolated(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	tc := NewTokenCache(m, 30*time.Second)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, tc.SetTimeout(ctx, a))
	waiting, _ := tc.AwaitingTimeout(ctx, b)
	assert.False(t, waiting)
}
