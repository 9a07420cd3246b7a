package services

import (
	"math"
	"time"

	"healthsense/models"
)

const DefaultInsightsWindow = 24 * time.Hour

const (
	StatusGood    = "good"
	StatusWarning = "warning"
)

// Insights summarizes the records of a recent window.
type Insights struct {
	Window       string    `json:"window"`
	DataPoints   int       `json:"data_points"`
	AvgHeartRate int       `json:"avg_heart_rate"`
	MinHeartRate int       `json:"min_heart_rate"`
	MaxHeartRate int       `json:"max_heart_rate"`
	AvgSpO2      float64   `json:"avg_spo2"`
	MinSpO2      float64   `json:"min_spo2"`
	MaxSpO2      float64   `json:"max_spo2"`
	LastUpdate   time.Time `json:"last_update"`

	HeartRateStatus string `json:"heart_rate_status"`
	SpO2Status      string `json:"spo2_status"`
}

// ComputeInsights aggregates records with a timestamp within window of now.
// Missing vitals count as zero. It returns nil when no record falls in the
// window.
func ComputeInsights(records []models.HealthRecord, window time.Duration, now time.Time, t Thresholds) *Insights {
	if window <= 0 {
		window = DefaultInsightsWindow
	}
	cutoff := now.Add(-window).UnixMilli()

	n, sumBPM, sumSpO2 := 0, 0, 0.0
	minBPM, maxBPM := math.MaxInt, math.MinInt
	minSpO2, maxSpO2 := math.Inf(1), math.Inf(-1)
	var last int64
	for _, r := range records {
		if r.Timestamp < cutoff {
			continue
		}
		n++
		bpm := 0
		if r.HeartRate != nil {
			bpm = *r.HeartRate
		}
		spo2 := 0.0
		if r.SpO2 != nil {
			spo2 = *r.SpO2
		}
		sumBPM += bpm
		sumSpO2 += spo2
		minBPM = min(minBPM, bpm)
		maxBPM = max(maxBPM, bpm)
		minSpO2 = math.Min(minSpO2, spo2)
		maxSpO2 = math.Max(maxSpO2, spo2)
		last = max(last, r.Timestamp)
	}
	if n == 0 {
		return nil
	}

	avgBPM := int(math.Round(float64(sumBPM) / float64(n)))
	avgSpO2 := math.Round(sumSpO2/float64(n)*10) / 10

	ins := &Insights{
		Window:       window.String(),
		DataPoints:   n,
		AvgHeartRate: avgBPM,
		MinHeartRate: minBPM,
		MaxHeartRate: maxBPM,
		AvgSpO2:      avgSpO2,
		MinSpO2:      minSpO2,
		MaxSpO2:      maxSpO2,
		LastUpdate:   time.UnixMilli(last).UTC(),

		HeartRateStatus: StatusGood,
		SpO2Status:      StatusGood,
	}
	if float64(avgBPM) < t.HeartRateMin || float64(avgBPM) > t.HeartRateMax {
		ins.HeartRateStatus = StatusWarning
	}
	if avgSpO2 < t.SpO2Min {
		ins.SpO2Status = StatusWarning
	}
	return ins
}
