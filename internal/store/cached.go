package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlDevice   = 5 * time.Minute
	ttlChannel  = 1 * time.Minute
	ttlChannels = 1 * time.Minute
)

// CachedStore wraps a Store with a key/value read-through layer. The segment
// proxy looks a channel up on every request, so GetChannel and GetDevice are
// served from cache when possible; writes invalidate the affected keys.
type CachedStore struct {
	inner Store
	cache cache.KV
	log   *logrus.Entry
}

// NewCachedStore creates a CachedStore that wraps inner.
func NewCachedStore(inner Store, kv cache.KV, log *logrus.Entry) *CachedStore {
	return &CachedStore{inner: inner, cache: kv, log: log.WithField("component", "cached_store")}
}

var _ Store = (*CachedStore)(nil)

func deviceKey(uid uuid.UUID) string { return "stbgate:store:device:" + uid.String() }

func channelKey(uid uuid.UUID, channelID int64) string {
	return fmt.Sprintf("stbgate:store:channel:%s:%d", uid, channelID)
}

func channelPattern(uid uuid.UUID) string { return "stbgate:store:channel:" + uid.String() + ":*" }

func channelsPattern(uid uuid.UUID) string { return "stbgate:store:channels:" + uid.String() + ":*" }

// --- cached read operations ---

func (c *CachedStore) GetDevice(ctx context.Context, uid uuid.UUID) (*models.DeviceProfile, error) {
	key := deviceKey(uid)
	if v, err := cache.GetJSON[models.DeviceProfile](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	d, err := c.inner.GetDevice(ctx, uid)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, d, ttlDevice)
	return d, nil
}

func (c *CachedStore) GetChannel(ctx context.Context, uid uuid.UUID, channelID int64) (*models.Channel, error) {
	key := channelKey(uid, channelID)
	if v, err := cache.GetJSON[models.Channel](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	ch, err := c.inner.GetChannel(ctx, uid, channelID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, ch, ttlChannel)
	return ch, nil
}

func (c *CachedStore) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error) {
	key := fmt.Sprintf("stbgate:store:channels:%s:%s", filter.DeviceUID, filterHash(filter))
	if v, err := cache.GetJSON[[]models.Channel](ctx, c.cache, key); err == nil {
		return v, nil
	}
	channels, err := c.inner.ListChannels(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, channels, ttlChannels)
	return channels, nil
}

// --- write operations with cache invalidation ---

func (c *CachedStore) UpdateDeviceSignature(ctx context.Context, uid uuid.UUID, signature string) error {
	if err := c.inner.UpdateDeviceSignature(ctx, uid, signature); err != nil {
		return err
	}
	c.invalidate(ctx, deviceKey(uid))
	return nil
}

func (c *CachedStore) UpsertChannels(ctx context.Context, uid uuid.UUID, channels []models.Channel) error {
	if err := c.inner.UpsertChannels(ctx, uid, channels); err != nil {
		return err
	}
	// Stream ids may have been remapped.
	c.invalidatePattern(ctx, channelPattern(uid), channelsPattern(uid))
	return nil
}

func (c *CachedStore) MarkStaleChannels(ctx context.Context, uid uuid.UUID, keepIDs []int64) (int64, error) {
	n, err := c.inner.MarkStaleChannels(ctx, uid, keepIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, channelPattern(uid), channelsPattern(uid))
	}
	return n, nil
}

func (c *CachedStore) SetChannelEnabled(ctx context.Context, uid uuid.UUID, channelID int64, enabled bool) error {
	if err := c.inner.SetChannelEnabled(ctx, uid, channelID, enabled); err != nil {
		return err
	}
	c.invalidate(ctx, channelKey(uid, channelID))
	c.invalidatePattern(ctx, channelsPattern(uid))
	return nil
}

func (c *CachedStore) ToggleChannel(ctx context.Context, uid uuid.UUID, channelID int64) (bool, error) {
	enabled, err := c.inner.ToggleChannel(ctx, uid, channelID)
	if err != nil {
		return false, err
	}
	c.invalidate(ctx, channelKey(uid, channelID))
	c.invalidatePattern(ctx, channelsPattern(uid))
	return enabled, nil
}

func (c *CachedStore) SetAllChannelsEnabled(ctx context.Context, uid uuid.UUID, enabled bool) (int64, error) {
	n, err := c.inner.SetAllChannelsEnabled(ctx, uid, enabled)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, channelPattern(uid), channelsPattern(uid))
	}
	return n, nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) ListDevices(ctx context.Context) ([]models.DeviceProfile, error) {
	return c.inner.ListDevices(ctx)
}

func (c *CachedStore) UpsertGenres(ctx context.Context, uid uuid.UUID, genres []models.Genre) error {
	return c.inner.UpsertGenres(ctx, uid, genres)
}

func (c *CachedStore) ListGenres(ctx context.Context, filter GenreFilter) ([]models.Genre, error) {
	return c.inner.ListGenres(ctx, filter)
}

func (c *CachedStore) UpsertChannelGuides(ctx context.Context, uid uuid.UUID, guides []models.ChannelGuide) error {
	return c.inner.UpsertChannelGuides(ctx, uid, guides)
}

func (c *CachedStore) ListCurrentGuides(ctx context.Context, uid uuid.UUID, now time.Time) ([]models.ChannelGuide, error) {
	return c.inner.ListCurrentGuides(ctx, uid, now)
}

func (c *CachedStore) ListChannelGuide(ctx context.Context, uid uuid.UUID, channelID int64, now time.Time) ([]models.ChannelGuide, error) {
	return c.inner.ListChannelGuide(ctx, uid, channelID, now)
}

func (c *CachedStore) StartTaskLog(ctx context.Context, uid uuid.UUID, task string) (uuid.UUID, error) {
	return c.inner.StartTaskLog(ctx, uid, task)
}

func (c *CachedStore) CompleteTaskLog(ctx context.Context, logUID uuid.UUID) error {
	return c.inner.CompleteTaskLog(ctx, logUID)
}

func (c *CachedStore) ListTaskLogs(ctx context.Context, uid uuid.UUID, limit int) ([]models.TaskLog, error) {
	return c.inner.ListTaskLogs(ctx, uid, limit)
}

// --- helpers ---

func (c *CachedStore) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := cache.SetJSON(ctx, c.cache, key, v, ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache set failed")
	}
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := c.cache.Del(ctx, keys...); err != nil {
		c.log.WithError(err).WithField("keys", keys).Warn("cache del failed")
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := c.cache.DelPattern(ctx, p); err != nil {
			c.log.WithError(err).WithField("pattern", p).Warn("cache del pattern failed")
		}
	}
}

// filterHash produces a short deterministic hash for a ChannelFilter so it
// can be used as part of a cache key.
func filterHash(f ChannelFilter) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		f.DeviceUID, fmtBool(f.Enabled), fmtBool(f.Stale), fmtInt(f.GenreID), f.Query)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h[:8])
}

func fmtBool(b *bool) string {
	if b == nil {
		return "-"
	}
	return fmt.Sprint(*b)
}

func fmtInt(i *int64) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprint(*i)
}
