package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a live channel on the portal, keyed by (DeviceUID, ChannelID).
// Enabled is owned by the user; Stale is owned by catalog sync.
type Channel struct {
	DeviceUID  uuid.UUID  `json:"device_uid"`
	ChannelID  int64      `json:"channel_id"`
	Number     int64      `json:"channel_number"`
	Name       string     `json:"channel_name"`
	HD         bool       `json:"channel_hd"`
	Enabled    bool       `json:"channel_enabled"`
	Stale      bool       `json:"channel_stale"`
	GenreID    int64      `json:"genre_id"`
	StreamID   int64      `json:"stream_id"`
	ModifiedAt *time.Time `json:"modified_timestamp,omitempty"`
	CreatedAt  *time.Time `json:"creation_timestamp,omitempty"`
}
