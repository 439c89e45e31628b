package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenCache holds per-device portal session state: the bearer token, the
// random value issued with it, and the short-lived quarantine flag set after
// an authentication failure.
type TokenCache struct {
	kv      KV
	prefix  string
	timeout time.Duration
}

// NewTokenCache returns a TokenCache over kv. timeoutTTL is how long a device
// stays quarantined after SetTimeout.
func NewTokenCache(kv KV, timeoutTTL time.Duration) *TokenCache {
	return &TokenCache{kv: kv, prefix: "stbgate:device:", timeout: timeoutTTL}
}

func (c *TokenCache) key(uid uuid.UUID, field string) string {
	return c.prefix + uid.String() + ":" + field
}

// GetToken returns the cached token and random for a device.
// ok is false when no token is cached.
func (c *TokenCache) GetToken(ctx context.Context, uid uuid.UUID) (token, random string, ok bool, err error) {
	token, err = c.kv.Get(ctx, c.key(uid, "token"))
	if errors.Is(err, ErrMiss) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("GetToken: %w", err)
	}
	random, err = c.kv.Get(ctx, c.key(uid, "random"))
	if err != nil && !errors.Is(err, ErrMiss) {
		return "", "", false, fmt.Errorf("GetToken: %w", err)
	}
	return token, random, true, nil
}

// SetToken stores token and random for a device, both expiring after ttl.
func (c *TokenCache) SetToken(ctx context.Context, uid uuid.UUID, token, random string, ttl time.Duration) error {
	if err := c.kv.Set(ctx, c.key(uid, "token"), token, ttl); err != nil {
		return fmt.Errorf("SetToken: %w", err)
	}
	if err := c.kv.Set(ctx, c.key(uid, "random"), random, ttl); err != nil {
		return fmt.Errorf("SetToken: %w", err)
	}
	return nil
}

// ClearToken drops the cached token and random for a device.
func (c *TokenCache) ClearToken(ctx context.Context, uid uuid.UUID) error {
	if err := c.kv.Del(ctx, c.key(uid, "token"), c.key(uid, "random")); err != nil {
		return fmt.Errorf("ClearToken: %w", err)
	}
	return nil
}

// AwaitingTimeout reports whether the device is quarantined.
func (c *TokenCache) AwaitingTimeout(ctx context.Context, uid uuid.UUID) (bool, error) {
	ok, err := c.kv.Exists(ctx, c.key(uid, "timeout"))
	if err != nil {
		return false, fmt.Errorf("AwaitingTimeout: %w", err)
	}
	return ok, nil
}

// SetTimeout quarantines the device. It only sets the flag if absent so a
// repeated failure does not extend an existing quarantine.
func (c *TokenCache) SetTimeout(ctx context.Context, uid uuid.UUID) error {
	if _, err := c.kv.SetNX(ctx, c.key(uid, "timeout"), "1", c.timeout); err != nil {
		return fmt.Errorf("SetTimeout: %w", err)
	}
	return nil
}
