package services

import (
	"context"
	"sync/atomic"
	"time"

	"healthsense/metrics"
	"healthsense/models"
	"healthsense/poller"

	"go.uber.org/zap"
)

// AlertSink delivers the anomalies found in one record.
type AlertSink interface {
	Name() string
	SendAlert(ctx context.Context, f Finding) error
}

// Update is a published record collection.
type Update struct {
	UserID      string                `json:"user_id"`
	Version     uint64                `json:"version"`
	Fingerprint string                `json:"fingerprint"`
	Count       int                   `json:"count"`
	UpdatedAt   time.Time             `json:"updated_at"`
	Records     []models.HealthRecord `json:"-"`
}

// Latest returns the newest record, or false for an empty collection.
func (u Update) Latest() (models.HealthRecord, bool) {
	if len(u.Records) == 0 {
		return models.HealthRecord{}, false
	}
	return newest(u.Records), true
}

// UpdatePublisher forwards record collection changes.
type UpdatePublisher interface {
	Name() string
	PublishUpdate(ctx context.Context, u Update) error
}

// Dispatcher fans synchronizer updates out to the detector, the device
// monitor and the configured sinks on a single worker goroutine. A pending
// update is replaced by a newer one when the worker falls behind.
type Dispatcher struct {
	uid        string
	detector   *VitalsDetector
	monitor    *DeviceHealthMonitor
	sinks      []AlertSink
	publishers []UpdatePublisher
	logger     *zap.Logger

	updates     chan Update
	lastVersion atomic.Uint64
}

func NewDispatcher(uid string, detector *VitalsDetector, monitor *DeviceHealthMonitor, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		uid:      uid,
		detector: detector,
		monitor:  monitor,
		logger:   logger,
		updates:  make(chan Update, 1),
	}
}

func (d *Dispatcher) AddAlertSink(s AlertSink) { d.sinks = append(d.sinks, s) }

func (d *Dispatcher) AddPublisher(p UpdatePublisher) { d.publishers = append(d.publishers, p) }

// HandleState is a poller.Synchronizer listener. It only forwards snapshots
// with a new version.
func (d *Dispatcher) HandleState(st poller.State) {
	if st.Version == 0 || d.lastVersion.Swap(st.Version) == st.Version {
		return
	}
	d.Submit(Update{
		UserID:      d.uid,
		Version:     st.Version,
		Fingerprint: st.Fingerprint,
		Count:       len(st.Records),
		UpdatedAt:   st.UpdatedAt,
		Records:     st.Records,
	})
}

// Submit queues u without blocking, dropping an update still waiting.
func (d *Dispatcher) Submit(u Update) {
	for {
		select {
		case d.updates <- u:
			return
		default:
		}
		select {
		case old := <-d.updates:
			d.logger.Debug("Dropping superseded update", zap.Uint64("version", old.Version))
		default:
		}
	}
}

// Run processes updates until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Starting update dispatcher",
		zap.Int("alert_sinks", len(d.sinks)),
		zap.Int("publishers", len(d.publishers)))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Update dispatcher stopped")
			return
		case u := <-d.updates:
			d.process(ctx, u)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, u Update) {
	if d.monitor != nil {
		d.monitor.Observe(ctx, u.Records)
	}

	if d.detector != nil {
		for _, f := range d.detector.DetectNew(u.Records) {
			d.logger.Info("Anomaly detected",
				zap.String("record_id", f.Record.ID),
				zap.String("device_id", f.Record.DeviceID),
				zap.Int("anomaly_count", len(f.Anomalies)))
			for _, s := range d.sinks {
				err := s.SendAlert(ctx, f)
				metrics.RecordAlert(s.Name(), err)
				if err != nil {
					d.logger.Error("Failed to send alert",
						zap.String("sink", s.Name()),
						zap.String("record_id", f.Record.ID),
						zap.Error(err))
				}
			}
		}
	}

	for _, p := range d.publishers {
		if err := p.PublishUpdate(ctx, u); err != nil {
			d.logger.Error("Failed to publish update",
				zap.String("publisher", p.Name()),
				zap.Uint64("version", u.Version),
				zap.Error(err))
		}
	}
}
