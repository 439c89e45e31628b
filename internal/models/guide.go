package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelGuide is one EPG programme entry, keyed by (DeviceUID, ChannelID, [Start, End)).
type ChannelGuide struct {
	DeviceUID   uuid.UUID  `json:"device_uid"`
	ChannelID   int64      `json:"channel_id"`
	Title       string     `json:"title"`
	Categories  []string   `json:"categories"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start_timestamp"`
	End         time.Time  `json:"end_timestamp"`
	ModifiedAt  *time.Time `json:"modified_timestamp,omitempty"`
	CreatedAt   *time.Time `json:"creation_timestamp,omitempty"`
}
