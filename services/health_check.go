package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"healthsense/metrics"
	"healthsense/models"

	"go.uber.org/zap"
)

const (
	DefaultDeviceTimeout = 10 * time.Minute
	deviceCheckInterval  = 10 * time.Second
	unknownDevice        = "unknown"
)

// DeviceNotifier receives device timeout and recovery events.
type DeviceNotifier interface {
	Name() string
	NotifyDevice(ctx context.Context, event models.DeviceEvent) error
}

// DeviceHealthMonitor tracks when each device last produced a record and
// raises an event when a device goes silent for longer than the timeout or
// reports again afterwards.
type DeviceHealthMonitor struct {
	timeout   time.Duration
	notifiers []DeviceNotifier
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	devices map[string]*models.DeviceHealth
}

func NewDeviceHealthMonitor(timeout time.Duration, logger *zap.Logger, notifiers ...DeviceNotifier) *DeviceHealthMonitor {
	if timeout <= 0 {
		timeout = DefaultDeviceTimeout
	}
	return &DeviceHealthMonitor{
		timeout:   timeout,
		notifiers: notifiers,
		logger:    logger,
		now:       time.Now,
		devices:   make(map[string]*models.DeviceHealth),
	}
}

// Start runs the timeout checker until ctx is done.
func (h *DeviceHealthMonitor) Start(ctx context.Context) {
	h.logger.Info("Starting device health monitor",
		zap.Duration("timeout", h.timeout))

	ticker := time.NewTicker(deviceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Device health monitor stopped")
			return
		case <-ticker.C:
			h.notify(ctx, h.CheckTimeouts())
		}
	}
}

// Observe records the newest timestamp per device and notifies recoveries.
func (h *DeviceHealthMonitor) Observe(ctx context.Context, records []models.HealthRecord) {
	h.notify(ctx, h.observe(records))
}

func (h *DeviceHealthMonitor) observe(records []models.HealthRecord) []models.DeviceEvent {
	latest := make(map[string]models.HealthRecord)
	for _, r := range records {
		id := r.DeviceID
		if id == "" {
			id = unknownDevice
		}
		if cur, ok := latest[id]; !ok || r.Timestamp > cur.Timestamp {
			latest[id] = r
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var events []models.DeviceEvent
	for id, r := range latest {
		seen := r.Time()
		device, exists := h.devices[id]
		if !exists {
			device = &models.DeviceHealth{
				DeviceID: id,
				UserID:   r.UserID,
				LastSeen: seen,
				Status:   models.DeviceHealthy,
			}
			h.devices[id] = device
			h.logger.Info("New device registered for health monitoring",
				zap.String("device_id", id))
			continue
		}
		if !seen.After(device.LastSeen) {
			continue
		}

		device.LastSeen = seen
		if device.Status != models.DeviceTimeout {
			continue
		}

		down := now.Sub(device.TimeoutAt)
		device.Status = models.DeviceHealthy
		device.TimeoutAt = time.Time{}
		h.logger.Info("Device recovered from timeout",
			zap.String("device_id", id),
			zap.Duration("down_duration", down))
		events = append(events, models.DeviceEvent{
			DeviceID:     id,
			Status:       models.DeviceRecovered,
			LastSeen:     seen,
			DownDuration: down,
		})
	}
	return events
}

// CheckTimeouts marks devices silent for longer than the timeout and returns
// one event per newly timed-out device.
func (h *DeviceHealthMonitor) CheckTimeouts() []models.DeviceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var events []models.DeviceEvent
	for id, device := range h.devices {
		// Skip if already in timeout state
		if device.Status == models.DeviceTimeout {
			continue
		}

		silent := now.Sub(device.LastSeen)
		if silent <= h.timeout {
			continue
		}

		h.logger.Warn("Device timeout detected",
			zap.String("device_id", id),
			zap.Time("last_seen", device.LastSeen),
			zap.Duration("time_since_last_seen", silent))

		device.Status = models.DeviceTimeout
		device.TimeoutAt = now
		events = append(events, models.DeviceEvent{
			DeviceID:  id,
			Status:    models.DeviceTimeout,
			LastSeen:  device.LastSeen,
			SilentFor: silent,
		})
	}
	return events
}

func (h *DeviceHealthMonitor) notify(ctx context.Context, events []models.DeviceEvent) {
	for _, ev := range events {
		for _, n := range h.notifiers {
			err := n.NotifyDevice(ctx, ev)
			metrics.RecordAlert(n.Name(), err)
			if err != nil {
				h.logger.Error("Failed to send device alert",
					zap.String("sink", n.Name()),
					zap.String("device_id", ev.DeviceID),
					zap.String("status", string(ev.Status)),
					zap.Error(err))
			}
		}
	}
}

// GetDeviceHealth returns a copy of the current health of a device.
func (h *DeviceHealthMonitor) GetDeviceHealth(deviceID string) (models.DeviceHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	device, exists := h.devices[deviceID]
	if !exists {
		return models.DeviceHealth{}, false
	}
	return *device, true
}

// Devices returns every tracked device ordered by id.
func (h *DeviceHealthMonitor) Devices() []models.DeviceHealth {
	h.mu.RLock()
	out := make([]models.DeviceHealth, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, *d)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
