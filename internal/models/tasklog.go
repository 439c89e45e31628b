package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskLog brackets one background sync run. CompletedAt is nil until the run succeeds.
type TaskLog struct {
	LogUID      uuid.UUID  `json:"log_uid"`
	DeviceUID   uuid.UUID  `json:"device_uid"`
	TaskName    string     `json:"task_name"`
	StartedAt   time.Time  `json:"started_timestamp"`
	CompletedAt *time.Time `json:"completed_timestamp,omitempty"`
}
