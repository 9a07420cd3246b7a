package services

import (
	"fmt"
	"sync"

	"healthsense/config"
	"healthsense/models"
)

// Thresholds bound normal heart rate (bpm) and SpO2 (%) readings.
type Thresholds struct {
	HeartRateMin          float64
	HeartRateMax          float64
	HeartRateCriticalLow  float64
	HeartRateCriticalHigh float64
	SpO2Min               float64
	SpO2CriticalLow       float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartRateMin:          60,
		HeartRateMax:          100,
		HeartRateCriticalLow:  50,
		HeartRateCriticalHigh: 120,
		SpO2Min:               95,
		SpO2CriticalLow:       90,
	}
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		HeartRateMin:          cfg.HeartRateMin,
		HeartRateMax:          cfg.HeartRateMax,
		HeartRateCriticalLow:  cfg.HeartRateCriticalLow,
		HeartRateCriticalHigh: cfg.HeartRateCriticalHigh,
		SpO2Min:               cfg.SpO2Min,
		SpO2CriticalLow:       cfg.SpO2CriticalLow,
	}
}

type VitalsDetector struct {
	thresholds Thresholds

	mu       sync.Mutex
	lastSeen int64 // newest record timestamp already evaluated, epoch ms
}

func NewVitalsDetector(thresholds Thresholds) *VitalsDetector {
	return &VitalsDetector{
		thresholds: thresholds,
	}
}

// DetectAnomalies analyzes one record and returns any detected anomalies.
// A critical breach replaces the plain one for the same vital.
func (vd *VitalsDetector) DetectAnomalies(record models.HealthRecord) []*models.Anomaly {
	var anomalies []*models.Anomaly
	t := vd.thresholds

	if record.HeartRate != nil {
		bpm := float64(*record.HeartRate)
		switch {
		case bpm > t.HeartRateCriticalHigh:
			anomalies = append(anomalies, vd.anomaly(record, models.HeartRateCriticalHigh, bpm, t.HeartRateCriticalHigh,
				fmt.Sprintf("Heart rate %.0f bpm exceeds critical threshold of %.0f bpm", bpm, t.HeartRateCriticalHigh)))
		case bpm > t.HeartRateMax:
			anomalies = append(anomalies, vd.anomaly(record, models.HeartRateTooHigh, bpm, t.HeartRateMax,
				fmt.Sprintf("Heart rate %.0f bpm exceeds maximum threshold of %.0f bpm", bpm, t.HeartRateMax)))
		case bpm < t.HeartRateCriticalLow:
			anomalies = append(anomalies, vd.anomaly(record, models.HeartRateCriticalLow, bpm, t.HeartRateCriticalLow,
				fmt.Sprintf("Heart rate %.0f bpm is below critical threshold of %.0f bpm", bpm, t.HeartRateCriticalLow)))
		case bpm < t.HeartRateMin:
			anomalies = append(anomalies, vd.anomaly(record, models.HeartRateTooLow, bpm, t.HeartRateMin,
				fmt.Sprintf("Heart rate %.0f bpm is below minimum threshold of %.0f bpm", bpm, t.HeartRateMin)))
		}
	}

	if record.SpO2 != nil {
		spo2 := *record.SpO2
		switch {
		case spo2 < t.SpO2CriticalLow:
			anomalies = append(anomalies, vd.anomaly(record, models.SpO2CriticalLow, spo2, t.SpO2CriticalLow,
				fmt.Sprintf("SpO2 %.1f%% is below critical threshold of %.1f%%", spo2, t.SpO2CriticalLow)))
		case spo2 < t.SpO2Min:
			anomalies = append(anomalies, vd.anomaly(record, models.SpO2TooLow, spo2, t.SpO2Min,
				fmt.Sprintf("SpO2 %.1f%% is below minimum threshold of %.1f%%", spo2, t.SpO2Min)))
		}
	}

	return anomalies
}

// IsAnomalous returns true if any anomalies are detected
func (vd *VitalsDetector) IsAnomalous(record models.HealthRecord) bool {
	return len(vd.DetectAnomalies(record)) > 0
}

// Finding groups the anomalies of one record.
type Finding struct {
	Record    models.HealthRecord
	Anomalies []*models.Anomaly
}

// DetectNew evaluates records newer than the last call, oldest first. The
// first call only evaluates the newest record so that history already on the
// server is not replayed as alerts.
func (vd *VitalsDetector) DetectNew(records []models.HealthRecord) []Finding {
	if len(records) == 0 {
		return nil
	}

	vd.mu.Lock()
	defer vd.mu.Unlock()

	var fresh []models.HealthRecord
	if vd.lastSeen == 0 {
		fresh = []models.HealthRecord{newest(records)}
	} else {
		for _, r := range records {
			if r.Timestamp > vd.lastSeen {
				fresh = append(fresh, r)
			}
		}
	}

	var findings []Finding
	// records arrive newest first
	for i := len(fresh) - 1; i >= 0; i-- {
		r := fresh[i]
		if r.Timestamp > vd.lastSeen {
			vd.lastSeen = r.Timestamp
		}
		if anomalies := vd.DetectAnomalies(r); len(anomalies) > 0 {
			findings = append(findings, Finding{Record: r, Anomalies: anomalies})
		}
	}
	return findings
}

// Reset forgets the last evaluated timestamp.
func (vd *VitalsDetector) Reset() {
	vd.mu.Lock()
	vd.lastSeen = 0
	vd.mu.Unlock()
}

func (vd *VitalsDetector) anomaly(r models.HealthRecord, typ models.AnomalyType, value, threshold float64, desc string) *models.Anomaly {
	return &models.Anomaly{
		Type:        typ,
		Value:       value,
		Threshold:   threshold,
		RecordID:    r.ID,
		UserID:      r.UserID,
		DeviceID:    r.DeviceID,
		Timestamp:   r.Time(),
		Description: desc,
	}
}

func newest(records []models.HealthRecord) models.HealthRecord {
	best := records[0]
	for _, r := range records[1:] {
		if r.Timestamp > best.Timestamp {
			best = r
		}
	}
	return best
}
