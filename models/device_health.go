package models

import (
	"time"
)

// DeviceHealthStatus represents the reporting status of a device
type DeviceHealthStatus string

const (
	DeviceHealthy   DeviceHealthStatus = "healthy"
	DeviceTimeout   DeviceHealthStatus = "timeout"
	DeviceRecovered DeviceHealthStatus = "recovered"
)

// DeviceHealth tracks when a device last reported a record.
type DeviceHealth struct {
	DeviceID  string             `json:"device_id"`
	UserID    string             `json:"user_id"`
	LastSeen  time.Time          `json:"last_seen"`
	Status    DeviceHealthStatus `json:"status"`
	TimeoutAt time.Time          `json:"timeout_at,omitzero"` // When the device timed out (if applicable)
}

// DeviceEvent is emitted when a device times out or recovers.
type DeviceEvent struct {
	DeviceID     string             `json:"device_id"`
	Status       DeviceHealthStatus `json:"status"`
	LastSeen     time.Time          `json:"last_seen"`
	SilentFor    time.Duration      `json:"silent_for,omitempty"`
	DownDuration time.Duration      `json:"down_duration,omitempty"`
}
