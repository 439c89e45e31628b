// Package storetest provides an in-memory store.Store with the same
// reconciliation semantics as the Postgres implementation.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store"
)

type genreKey struct {
	device uuid.UUID
	id     int64
}

type channelKey struct {
	device uuid.UUID
	id     int64
}

// Fake is a goroutine-safe in-memory Store. Removing a device with
// DeleteDevice makes later writes for it fail with store.ErrDeviceGone.
type Fake struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]models.DeviceProfile
	genres   map[genreKey]models.Genre
	channels map[channelKey]models.Channel
	guides   []models.ChannelGuide
	logs     []models.TaskLog

	// Writes counts every mutating call that reached the fake.
	Writes int
	// Reads counts GetChannel calls.
	Reads int
}

var _ store.Store = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		devices:  make(map[uuid.UUID]models.DeviceProfile),
		genres:   make(map[genreKey]models.Genre),
		channels: make(map[channelKey]models.Channel),
	}
}

// AddDevice registers a device profile.
func (f *Fake) AddDevice(d models.DeviceProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.UID] = d
}

// DeleteDevice removes a device and everything it owns.
func (f *Fake) DeleteDevice(uid uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, uid)
	for k := range f.genres {
		if k.device == uid {
			delete(f.genres, k)
		}
	}
	for k := range f.channels {
		if k.device == uid {
			delete(f.channels, k)
		}
	}
	kept := f.guides[:0]
	for _, g := range f.guides {
		if g.DeviceUID != uid {
			kept = append(kept, g)
		}
	}
	f.guides = kept
}

// Guides returns every stored guide entry for a device, ordered by channel then start.
func (f *Fake) Guides(uid uuid.UUID) []models.ChannelGuide {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChannelGuide
	for _, g := range f.guides {
		if g.DeviceUID == uid {
			out = append(out, g)
		}
	}
	sortGuides(out)
	return out
}

func (f *Fake) deviceGone(op string, uid uuid.UUID) error {
	if _, ok := f.devices[uid]; !ok {
		return fmt.Errorf("%s: %w", op, store.ErrDeviceGone)
	}
	return nil
}

func (f *Fake) GetDevice(_ context.Context, uid uuid.UUID) (*models.DeviceProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[uid]
	if !ok {
		return nil, fmt.Errorf("GetDevice: %w", store.ErrNotFound)
	}
	return &d, nil
}

func (f *Fake) ListDevices(_ context.Context) ([]models.DeviceProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeviceProfile, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID.String() < out[j].UID.String() })
	return out, nil
}

func (f *Fake) UpdateDeviceSignature(_ context.Context, uid uuid.UUID, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	d, ok := f.devices[uid]
	if !ok {
		return fmt.Errorf("UpdateDeviceSignature: %w", store.ErrNotFound)
	}
	d.Signature = signature
	f.devices[uid] = d
	return nil
}

func (f *Fake) UpsertGenres(_ context.Context, uid uuid.UUID, genres []models.Genre) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	if err := f.deviceGone("UpsertGenres", uid); err != nil {
		return err
	}
	for _, g := range genres {
		g.DeviceUID = uid
		f.genres[genreKey{uid, g.GenreID}] = g
	}
	return nil
}

func (f *Fake) ListGenres(_ context.Context, filter store.GenreFilter) ([]models.Genre, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Genre
	for k, g := range f.genres {
		if k.device != filter.DeviceUID {
			continue
		}
		if filter.Enabled != nil && !f.genreHasChannel(k, *filter.Enabled) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].GenreID < out[j].GenreID
	})
	return out, nil
}

func (f *Fake) genreHasChannel(k genreKey, enabled bool) bool {
	for ck, c := range f.channels {
		if ck.device == k.device && c.GenreID == k.id && c.Enabled == enabled {
			return true
		}
	}
	return false
}

func (f *Fake) UpsertChannels(_ context.Context, uid uuid.UUID, channels []models.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	if err := f.deviceGone("UpsertChannels", uid); err != nil {
		return err
	}
	for _, c := range channels {
		if _, ok := f.genres[genreKey{uid, c.GenreID}]; !ok {
			return fmt.Errorf("UpsertChannels: %w: channels_genre_fkey", store.ErrDeviceGone)
		}
	}
	for _, c := range channels {
		k := channelKey{uid, c.ChannelID}
		c.DeviceUID = uid
		c.Enabled = false
		if prev, ok := f.channels[k]; ok {
			c.Enabled = prev.Enabled
		}
		c.Stale = false
		f.channels[k] = c
	}
	return nil
}

func (f *Fake) MarkStaleChannels(_ context.Context, uid uuid.UUID, keepIDs []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	keep := make(map[int64]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	var n int64
	for k, c := range f.channels {
		if k.device == uid && !c.Stale && !keep[k.id] {
			c.Stale = true
			f.channels[k] = c
			n++
		}
	}
	return n, nil
}

func (f *Fake) ListChannels(_ context.Context, filter store.ChannelFilter) ([]models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []models.Channel
	for k, c := range f.channels {
		switch {
		case k.device != filter.DeviceUID:
			continue
		case filter.Enabled != nil && c.Enabled != *filter.Enabled:
			continue
		case filter.Stale != nil && c.Stale != *filter.Stale:
			continue
		case filter.GenreID != nil && c.GenreID != *filter.GenreID:
			continue
		case q != "" && !strings.Contains(strings.ToLower(c.Name), q):
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

func (f *Fake) GetChannel(_ context.Context, uid uuid.UUID, channelID int64) (*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	c, ok := f.channels[channelKey{uid, channelID}]
	if !ok {
		return nil, fmt.Errorf("GetChannel: %w", store.ErrNotFound)
	}
	return &c, nil
}

func (f *Fake) SetChannelEnabled(_ context.Context, uid uuid.UUID, channelID int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	k := channelKey{uid, channelID}
	c, ok := f.channels[k]
	if !ok {
		return fmt.Errorf("SetChannelEnabled: %w", store.ErrNotFound)
	}
	c.Enabled = enabled
	f.channels[k] = c
	return nil
}

func (f *Fake) ToggleChannel(_ context.Context, uid uuid.UUID, channelID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	k := channelKey{uid, channelID}
	c, ok := f.channels[k]
	if !ok {
		return false, fmt.Errorf("ToggleChannel: %w", store.ErrNotFound)
	}
	c.Enabled = !c.Enabled
	f.channels[k] = c
	return c.Enabled, nil
}

func (f *Fake) SetAllChannelsEnabled(_ context.Context, uid uuid.UUID, enabled bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	var n int64
	for k, c := range f.channels {
		if k.device == uid && c.Enabled != enabled {
			c.Enabled = enabled
			f.channels[k] = c
			n++
		}
	}
	return n, nil
}

func (f *Fake) UpsertChannelGuides(_ context.Context, uid uuid.UUID, guides []models.ChannelGuide) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	if err := f.deviceGone("UpsertChannelGuides", uid); err != nil {
		return err
	}
	for _, g := range guides {
		if _, ok := f.channels[channelKey{uid, g.ChannelID}]; !ok {
			return fmt.Errorf("UpsertChannelGuides: %w: channel_guides_channel_fkey", store.ErrDeviceGone)
		}
	}
	for _, g := range guides {
		g.DeviceUID = uid
		kept := f.guides[:0]
		replaced := false
		for _, e := range f.guides {
			if e.DeviceUID != uid || e.ChannelID != g.ChannelID || !overlaps(e, g) {
				kept = append(kept, e)
				continue
			}
			if e.Start.Equal(g.Start) && e.End.Equal(g.End) && !replaced {
				kept = append(kept, g)
				replaced = true
			}
		}
		if !replaced {
			kept = append(kept, g)
		}
		f.guides = kept
	}
	return nil
}

func overlaps(a, b models.ChannelGuide) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func (f *Fake) ListCurrentGuides(_ context.Context, uid uuid.UUID, now time.Time) ([]models.ChannelGuide, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChannelGuide
	for _, g := range f.guides {
		c, ok := f.channels[channelKey{uid, g.ChannelID}]
		if g.DeviceUID != uid || !ok || !c.Enabled || c.Stale || !g.End.After(now) {
			continue
		}
		out = append(out, g)
	}
	sortGuides(out)
	return out, nil
}

func (f *Fake) ListChannelGuide(_ context.Context, uid uuid.UUID, channelID int64, now time.Time) ([]models.ChannelGuide, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChannelGuide
	for _, g := range f.guides {
		if g.DeviceUID == uid && g.ChannelID == channelID && g.End.After(now) {
			out = append(out, g)
		}
	}
	sortGuides(out)
	return out, nil
}

func (f *Fake) StartTaskLog(_ context.Context, uid uuid.UUID, task string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	if err := f.deviceGone("StartTaskLog", uid); err != nil {
		return uuid.Nil, err
	}
	l := models.TaskLog{LogUID: uuid.New(), DeviceUID: uid, TaskName: task, StartedAt: time.Now()}
	f.logs = append(f.logs, l)
	return l.LogUID, nil
}

func (f *Fake) CompleteTaskLog(_ context.Context, logUID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes++
	for i := range f.logs {
		if f.logs[i].LogUID == logUID {
			now := time.Now()
			f.logs[i].CompletedAt = &now
			return nil
		}
	}
	return fmt.Errorf("CompleteTaskLog: %w", store.ErrNotFound)
}

func (f *Fake) ListTaskLogs(_ context.Context, uid uuid.UUID, limit int) ([]models.TaskLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TaskLog
	for i := len(f.logs) - 1; i >= 0; i-- {
		if f.logs[i].DeviceUID == uid {
			out = append(out, f.logs[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortGuides(gs []models.ChannelGuide) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].ChannelID != gs[j].ChannelID {
			return gs[i].ChannelID < gs[j].ChannelID
		}
		return gs[i].Start.Before(gs[j].Start)
	})
}
