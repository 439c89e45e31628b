package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceProfile is the identity of a managed set-top box.
// Signature may be regenerated on reauthentication; everything else is fixed for a session.
type DeviceProfile struct {
	UID        uuid.UUID  `json:"device_uid"`
	MACAddress string     `json:"mac_address"`
	DeviceID1  string     `json:"device_id1"`
	DeviceID2  string     `json:"device_id2"`
	Signature  string     `json:"signature"`
	Portal     string     `json:"portal"`
	Language   string     `json:"language"`
	Timezone   string     `json:"timezone"`
	ModifiedAt *time.Time `json:"modified_timestamp,omitempty"`
	CreatedAt  *time.Time `json:"creation_timestamp,omitempty"`
}

// Location returns the device timezone, falling back to UTC when it is unset or unknown.
func (d DeviceProfile) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
