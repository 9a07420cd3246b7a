package models

import (
	"time"
)

// AnomalyType represents different types of vitals anomalies
type AnomalyType string

const (
	HeartRateTooHigh      AnomalyType = "heart_rate_high"
	HeartRateTooLow       AnomalyType = "heart_rate_low"
	HeartRateCriticalHigh AnomalyType = "heart_rate_critical_high"
	HeartRateCriticalLow  AnomalyType = "heart_rate_critical_low"
	SpO2TooLow            AnomalyType = "spo2_low"
	SpO2CriticalLow       AnomalyType = "spo2_critical_low"
)

// Severity levels used by alert sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Anomaly represents a detected anomaly
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	RecordID    string      `json:"record_id"`
	UserID      string      `json:"user_id"`
	DeviceID    string      `json:"device_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Description string      `json:"description"`
}

// IsCritical reports whether the anomaly crossed a critical threshold.
func (a *Anomaly) IsCritical() bool {
	switch a.Type {
	case HeartRateCriticalHigh, HeartRateCriticalLow, SpO2CriticalLow:
		return true
	}
	return false
}

// Severity returns the alert severity for the anomaly.
func (a *Anomaly) Severity() string {
	if a.IsCritical() {
		return SeverityCritical
	}
	return SeverityWarning
}

// GetAnomalyEmoji returns appropriate emoji for anomaly type
func (a *Anomaly) GetAnomalyEmoji() string {
	switch a.Type {
	case HeartRateTooHigh, HeartRateCriticalHigh:
		return "💓"
	case HeartRateTooLow, HeartRateCriticalLow:
		return "🐢"
	case SpO2TooLow, SpO2CriticalLow:
		return "🫁"
	default:
		return "⚠️"
	}
}

// GetSeverityColor returns color for Telegram formatting
func (a *Anomaly) GetSeverityColor() string {
	if a.IsCritical() {
		return "🔴"
	}
	return "🟡"
}
