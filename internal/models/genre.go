package models

import (
	"time"

	"github.com/google/uuid"
)

// Genre is a portal channel category, keyed by (DeviceUID, GenreID).
type Genre struct {
	DeviceUID  uuid.UUID  `json:"device_uid"`
	GenreID    int64      `json:"genre_id"`
	Number     int64      `json:"genre_number"`
	Name       string     `json:"genre_name"`
	ModifiedAt *time.Time `json:"modified_timestamp,omitempty"`
	CreatedAt  *time.Time `json:"creation_timestamp,omitempty"`
}
