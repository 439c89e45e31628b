package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by KV.Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// KV is the minimal key/value TTL store the gateway needs.
// In production this is Redis; without REDIS_URL (and in tests) it is Memory.
type KV interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Del deletes one or more exact keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) error
	// DelPattern deletes every key matching a glob pattern such as "channel:*".
	DelPattern(ctx context.Context, pattern string) error
}

// GetJSON fetches a key and JSON-unmarshals the value.
// Returns ErrMiss when the key does not exist.
func GetJSON[T any](ctx context.Context, kv KV, key string) (T, error) {
	var zero T
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return v, nil
}

// SetJSON JSON-marshals v and stores it under key with the given TTL.
func SetJSON(ctx context.Context, kv KV, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(data), ttl)
}
