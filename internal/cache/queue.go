package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SyncRequest asks a worker to run one sync task for one device.
type SyncRequest struct {
	DeviceUID   string    `json:"device_uid"`
	Task        string    `json:"task"`
	RequestedAt time.Time `json:"requested_at"`
}

// DefaultQueue is the Redis list key used for on-demand sync requests.
const DefaultQueue = "stbgate:jobs:sync"

// EnqueueSync pushes a request onto the left side of a Redis list.
func EnqueueSync(ctx context.Context, r *Redis, queue string, req SyncRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// DequeueSync blocks until a request is available on the right side of the list
// or the timeout expires. When the timeout elapses without a request,
// (nil, nil) is returned so the caller can loop and check for shutdown.
func DequeueSync(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*SyncRequest, error) {
	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		// Context cancelled on shutdown.
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var req SyncRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &req, nil
}
