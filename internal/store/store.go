package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/stbgate/internal/models"
)

var (
	// ErrNotFound is returned when a device or channel row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDeviceGone is returned when a write fails a foreign key check, which
	// means the owning device (or channel) was removed while a task was running.
	ErrDeviceGone = errors.New("device no longer exists")
)

// Store defines persistence for devices, their catalog, guides, and task logs.
type Store interface {
	// GetDevice returns a single device profile by uid.
	GetDevice(ctx context.Context, uid uuid.UUID) (*models.DeviceProfile, error)
	// ListDevices returns every registered device.
	ListDevices(ctx context.Context) ([]models.DeviceProfile, error)
	// UpdateDeviceSignature replaces the stored signature of a device.
	UpdateDeviceSignature(ctx context.Context, uid uuid.UUID, signature string) error

	// UpsertGenres inserts or updates genres by (device, genre_id) in one transaction.
	UpsertGenres(ctx context.Context, uid uuid.UUID, genres []models.Genre) error
	// ListGenres returns genres, optionally only those with enabled or disabled channels.
	ListGenres(ctx context.Context, filter GenreFilter) ([]models.Genre, error)

	// UpsertChannels inserts or updates channels by (device, channel_id) in one
	// transaction. Existing enabled flags are preserved and stale is cleared.
	UpsertChannels(ctx context.Context, uid uuid.UUID, channels []models.Channel) error
	// MarkStaleChannels flags every channel of the device whose id is not in keepIDs.
	MarkStaleChannels(ctx context.Context, uid uuid.UUID, keepIDs []int64) (int64, error)
	// ListChannels returns channels matching the filter, ordered by channel number.
	ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error)
	// GetChannel returns a single channel.
	GetChannel(ctx context.Context, uid uuid.UUID, channelID int64) (*models.Channel, error)

	// SetChannelEnabled sets the user-owned enabled flag on a channel.
	SetChannelEnabled(ctx context.Context, uid uuid.UUID, channelID int64, enabled bool) error
	// ToggleChannel flips the enabled flag and returns the new value.
	ToggleChannel(ctx context.Context, uid uuid.UUID, channelID int64) (bool, error)
	// SetAllChannelsEnabled sets the enabled flag on every channel of the device.
	SetAllChannelsEnabled(ctx context.Context, uid uuid.UUID, enabled bool) (int64, error)

	// UpsertChannelGuides stores guide entries by (device, channel, [start, end)).
	// Stored entries overlapping a new entry with a different range are replaced.
	UpsertChannelGuides(ctx context.Context, uid uuid.UUID, guides []models.ChannelGuide) error
	// ListCurrentGuides returns guide entries ending after now for enabled, non-stale channels.
	ListCurrentGuides(ctx context.Context, uid uuid.UUID, now time.Time) ([]models.ChannelGuide, error)
	// ListChannelGuide returns guide entries ending after now for one channel.
	ListChannelGuide(ctx context.Context, uid uuid.UUID, channelID int64, now time.Time) ([]models.ChannelGuide, error)

	// StartTaskLog records the start of a background task run and returns its log uid.
	StartTaskLog(ctx context.Context, uid uuid.UUID, task string) (uuid.UUID, error)
	// CompleteTaskLog stamps the completion time of a task run.
	CompleteTaskLog(ctx context.Context, logUID uuid.UUID) error
	// ListTaskLogs returns the newest task runs of a device.
	ListTaskLogs(ctx context.Context, uid uuid.UUID, limit int) ([]models.TaskLog, error)
}

// GenreFilter holds optional filters for listing genres.
type GenreFilter struct {
	DeviceUID uuid.UUID
	Enabled   *bool // nil = all genres, otherwise genres with at least one channel in that state
}

// ChannelFilter holds optional filters for listing channels.
type ChannelFilter struct {
	DeviceUID uuid.UUID
	Enabled   *bool
	Stale     *bool
	GenreID   *int64
	Query     string // case-insensitive substring match on channel name
}
