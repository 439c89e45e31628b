package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/models"
)

// DeviceLookup loads device profiles and persists regenerated signatures.
type DeviceLookup interface {
	SignatureStore
	GetDevice(ctx context.Context, uid uuid.UUID) (*models.DeviceProfile, error)
}

// Registry hands out one Client per device, built on first use and kept in
// a bounded LRU. Construct it once per process and pass it to whatever
// needs portal access.
type Registry struct {
	devices DeviceLookup
	tokens  *cache.TokenCache
	opts    Options
	log     *logrus.Entry

	mu      sync.Mutex
	clients *lru.Cache[uuid.UUID, *Client]
}

// NewRegistry returns a registry holding at most size clients.
func NewRegistry(devices DeviceLookup, tokens *cache.TokenCache, opts Options, size int, log *logrus.Entry) (*Registry, error) {
	if size <= 0 {
		size = 64
	}
	clients, err := lru.New[uuid.UUID, *Client](size)
	if err != nil {
		return nil, fmt.Errorf("lru.New: %w", err)
	}
	return &Registry{
		devices: devices,
		tokens:  tokens,
		opts:    opts,
		log:     log.WithField("component", "portal"),
		clients: clients,
	}, nil
}

// Client returns the client for uid, loading the device profile if needed.
func (r *Registry) Client(ctx context.Context, uid uuid.UUID) (*Client, error) {
	if c, ok := r.clients.Get(uid); ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients.Get(uid); ok {
		return c, nil
	}
	profile, err := r.devices.GetDevice(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", uid, err)
	}
	c, err := NewClient(*profile, r.tokens, r.devices, r.opts, r.log)
	if err != nil {
		return nil, fmt.Errorf("client for device %s: %w", uid, err)
	}
	r.clients.Add(uid, c)
	return c, nil
}

// Forget drops a cached client, e.g. after its device profile changed.
func (r *Registry) Forget(uid uuid.UUID) {
	r.clients.Remove(uid)
}

// Revalidate drops the cached client for profile.UID when it was built from
// an older revision of the profile, so the next Client call picks up a
// changed portal, MAC or timezone. It reports whether a client was dropped.
func (r *Registry) Revalidate(profile models.DeviceProfile) bool {
	c, ok := r.clients.Peek(profile.UID)
	if !ok || sameRevision(c.Device().ModifiedAt, profile.ModifiedAt) {
		return false
	}
	r.clients.Remove(profile.UID)
	r.log.WithField("device_uid", profile.UID.String()).Info("device profile changed, portal client rebuilt on next use")
	return true
}

func sameRevision(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	return r.clients.Len()
}
