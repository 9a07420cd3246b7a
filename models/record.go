package models

import (
	"encoding/json"
	"time"
)

// HealthRecord is one normalized device telemetry sample. Records are never
// mutated after normalization; consumers replace whole collections.
type HealthRecord struct {
	ID        string   `json:"id"`
	UserID    string   `json:"userId"`
	DeviceID  string   `json:"deviceId"`
	HeartRate *int     `json:"heartRate"`
	SpO2      *float64 `json:"spo2"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
}

// Time returns the record timestamp as a time.Time.
func (r HealthRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// RawRecord is a record as returned by GET /api/records. Heart rate arrives
// under one of several field names and ts is either seconds or milliseconds.
type RawRecord struct {
	ID        string       `json:"id,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	DeviceID  string       `json:"device_id,omitempty"`
	SpO2      *json.Number `json:"spo2,omitempty"`
	HeartRate *json.Number `json:"heart_rate,omitempty"`
	HR        *json.Number `json:"hr,omitempty"`
	BPM       *json.Number `json:"bpm,omitempty"`
	TS        *json.Number `json:"ts,omitempty"`
	TSUnit    string       `json:"ts_unit,omitempty"`
}

// Number is a convenience for building RawRecord fields in code.
func Number(v string) *json.Number {
	n := json.Number(v)
	return &n
}
