package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// secondsThreshold separates second and millisecond epoch values when the
// backend does not state the unit.
const secondsThreshold = 1e12

var (
	ErrMissingHeartRate = errors.New("missing heart rate (heart_rate, hr, bpm)")
	ErrMissingTimestamp = errors.New("missing or non-positive ts")
	ErrInvalidNumber    = errors.New("invalid numeric field")
	ErrUnknownUnit      = errors.New("unknown ts_unit")
)

// RecordError describes one raw record rejected during normalization.
type RecordError struct {
	Index int
	ID    string
	Err   error
}

func (e *RecordError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("record %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("record #%d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// SchemaError collects the records dropped from a batch.
type SchemaError struct {
	Rejected []*RecordError
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		parts = append(parts, r.Error())
	}
	return fmt.Sprintf("%d record(s) failed validation: %s", len(e.Rejected), strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		errs = append(errs, r)
	}
	return errs
}

// NormalizeRecord maps one raw record to the canonical shape.
func NormalizeRecord(raw RawRecord) (HealthRecord, error) {
	hrField := firstPresent(raw.HeartRate, raw.HR, raw.BPM)
	if hrField == nil {
		return HealthRecord{}, ErrMissingHeartRate
	}
	hr, err := hrField.Float64()
	if err != nil {
		return HealthRecord{}, fmt.Errorf("%w: heart rate %q", ErrInvalidNumber, hrField.String())
	}
	heartRate := int(math.Round(hr))

	var spo2 *float64
	if raw.SpO2 != nil {
		v, err := raw.SpO2.Float64()
		if err != nil {
			return HealthRecord{}, fmt.Errorf("%w: spo2 %q", ErrInvalidNumber, raw.SpO2.String())
		}
		spo2 = &v
	}

	ts, err := normalizeTimestamp(raw.TS, raw.TSUnit)
	if err != nil {
		return HealthRecord{}, err
	}

	return HealthRecord{
		ID:        raw.ID,
		UserID:    raw.UserID,
		DeviceID:  raw.DeviceID,
		HeartRate: &heartRate,
		SpO2:      spo2,
		Timestamp: ts,
	}, nil
}

// NormalizeRecords normalizes a batch, sorts it newest-first and caps it to
// limit (limit <= 0 means no cap). Invalid records are dropped and reported
// through a *SchemaError alongside the valid ones.
func NormalizeRecords(raw []RawRecord, limit int) ([]HealthRecord, error) {
	records := make([]HealthRecord, 0, len(raw))
	var rejected []*RecordError

	for i, r := range raw {
		rec, err := NormalizeRecord(r)
		if err != nil {
			rejected = append(rejected, &RecordError{Index: i, ID: r.ID, Err: err})
			continue
		}
		records = append(records, rec)
	}

	SortNewestFirst(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit:limit]
	}

	if len(rejected) > 0 {
		return records, &SchemaError{Rejected: rejected}
	}
	return records, nil
}

// SortNewestFirst orders records by descending timestamp, keeping the input
// order for equal timestamps.
func SortNewestFirst(records []HealthRecord) {
	slices.SortStableFunc(records, func(a, b HealthRecord) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})
}

// ToMillis converts an epoch value to milliseconds using the magnitude
// heuristic: anything below 1e12 is taken as seconds.
func ToMillis(ts float64) int64 {
	if ts < secondsThreshold {
		return int64(math.Round(ts * 1000))
	}
	return int64(math.Round(ts))
}

func normalizeTimestamp(ts *json.Number, unit string) (int64, error) {
	if ts == nil {
		return 0, ErrMissingTimestamp
	}
	v, err := ts.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: ts %q", ErrInvalidNumber, ts.String())
	}
	if v <= 0 {
		return 0, ErrMissingTimestamp
	}

	switch strings.ToLower(unit) {
	case "":
		return ToMillis(v), nil
	case "s", "sec", "seconds":
		return int64(math.Round(v * 1000)), nil
	case "ms", "millis", "milliseconds":
		return int64(math.Round(v)), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
}

func firstPresent(fields ...*json.Number) *json.Number {
	for _, f := range fields {
		if f != nil && *f != "" {
			return f
		}
	}
	return nil
}
