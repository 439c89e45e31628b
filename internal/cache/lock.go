package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

// TryLock attempts to acquire a lock identified by key using SET NX with a TTL.
// On success it returns an unlock function that MUST be called (typically via
// defer) to release the lock. If the lock is already held, ErrLocked is returned.
func TryLock(ctx context.Context, kv KV, key string, ttl time.Duration) (unlock func(), err error) {
	// Random token ensures only the holder can release the lock.
	token := randomToken()

	ok, err := kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// Background context so unlock works even if the caller's context is cancelled.
		_ = kv.DelIfEqual(context.Background(), key, token)
	}, nil
}

// IsLocked returns true if the lock key exists.
func IsLocked(ctx context.Context, kv KV, key string) bool {
	ok, _ := kv.Exists(ctx, key)
	return ok
}

// SyncLockKey names the lock guarding one device's run of one sync task.
func SyncLockKey(deviceUID, task string) string {
	return "stbgate:lock:" + task + ":" + deviceUID
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
