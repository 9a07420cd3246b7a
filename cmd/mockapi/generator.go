package main

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthsense/models"
)

// VitalsGenerator produces raw records the way different device firmwares
// report them: the heart rate field name and the ts unit vary per record.
type VitalsGenerator struct {
	userID             string
	deviceID           string
	anomalyProbability float64
	baseBPM            float64
	baseSpO2           float64
	rnd                *rand.Rand
	seq                int
}

func NewVitalsGenerator(userID, deviceID string, anomalyProb float64, seed int64) *VitalsGenerator {
	return &VitalsGenerator{
		userID:             userID,
		deviceID:           deviceID,
		anomalyProbability: anomalyProb,
		baseBPM:            72,
		baseSpO2:           97.5,
		rnd:                rand.New(rand.NewSource(seed)),
	}
}

// Generate returns one record stamped now, and whether it was generated as
// an anomaly.
func (g *VitalsGenerator) Generate(now time.Time) (models.RawRecord, bool) {
	g.seq++
	isAnomaly := g.rnd.Float64() < g.anomalyProbability

	bpm := g.baseBPM + g.rnd.Float64()*16 - 8
	spo2 := g.baseSpO2 + g.rnd.Float64()*2 - 1
	if isAnomaly {
		switch g.rnd.Intn(3) {
		case 0:
			bpm = 125 + g.rnd.Float64()*30
		case 1:
			bpm = 40 + g.rnd.Float64()*10
		default:
			spo2 = 85 + g.rnd.Float64()*6
		}
	}
	spo2 = math.Min(100, math.Round(spo2*10)/10)

	raw := models.RawRecord{
		ID:       uuid.NewString(),
		UserID:   g.userID,
		DeviceID: g.deviceID,
		SpO2:     models.Number(strconv.FormatFloat(spo2, 'f', 1, 64)),
	}

	hr := models.Number(strconv.Itoa(int(math.Round(bpm))))
	switch g.seq % 3 {
	case 0:
		raw.HeartRate = hr
	case 1:
		raw.HR = hr
	default:
		raw.BPM = hr
	}

	switch g.seq % 4 {
	case 0:
		raw.TS = models.Number(strconv.FormatInt(now.Unix(), 10))
	case 1:
		raw.TS = models.Number(strconv.FormatInt(now.UnixMilli(), 10))
		raw.TSUnit = "ms"
	case 2:
		raw.TS = models.Number(strconv.FormatInt(now.Unix(), 10))
		raw.TSUnit = "s"
	default:
		raw.TS = models.Number(strconv.FormatInt(now.UnixMilli(), 10))
	}
	return raw, isAnomaly
}

// RecordLog keeps the most recent generated records, newest first.
type RecordLog struct {
	capacity int

	mu      sync.RWMutex
	records []models.RawRecord
}

func NewRecordLog(capacity int) *RecordLog {
	if capacity <= 0 {
		capacity = 5000
	}
	return &RecordLog{capacity: capacity}
}

func (l *RecordLog) Append(r models.RawRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]models.RawRecord{r}, l.records...)
	if len(l.records) > l.capacity {
		l.records = l.records[:l.capacity]
	}
}

// Latest returns up to limit records; limit <= 0 returns all of them.
func (l *RecordLog) Latest(limit int) []models.RawRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.records)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.RawRecord{}, l.records[:n]...)
}
