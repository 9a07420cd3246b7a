package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsense/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.DeviceEvent
	err    error
}

func (n *recordingNotifier) Name() string { return "recorder" }

func (n *recordingNotifier) NotifyDevice(_ context.Context, ev models.DeviceEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Events() []models.DeviceEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.DeviceEvent(nil), n.events...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDeviceHealthMonitor_TimeoutAndRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	m := NewDeviceHealthMonitor(10*time.Minute, zap.NewNop(), notifier)
	m.now = clock.Now
	ctx := context.Background()

	m.Observe(ctx, []models.HealthRecord{
		{ID: "a2", DeviceID: "watch-1", Timestamp: clock.t.Add(-time.Minute).UnixMilli()},
		{ID: "a1", DeviceID: "watch-1", Timestamp: clock.t.Add(-2 * time.Minute).UnixMilli()},
		{ID: "b1", Timestamp: clock.t.UnixMilli()},
	})

	dev, ok := m.GetDeviceHealth("watch-1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceHealthy, dev.Status)
	assert.True(t, dev.LastSeen.Equal(clock.t.Add(-time.Minute)))
	_, ok = m.GetDeviceHealth(unknownDevice)
	assert.True(t, ok, "records without a device id are tracked together")

	assert.Empty(t, m.CheckTimeouts())

	clock.Advance(10 * time.Minute)
	events := m.CheckTimeouts()
	require.Len(t, events, 1)
	assert.Equal(t, "watch-1", events[0].DeviceID)
	assert.Equal(t, models.DeviceTimeout, events[0].Status)
	assert.Equal(t, 11*time.Minute, events[0].SilentFor)

	clock.Advance(5 * time.Minute)
	timedOut := m.CheckTimeouts()
	require.Len(t, timedOut, 1, "each device times out once")
	assert.Equal(t, unknownDevice, timedOut[0].DeviceID)

	// An old record again is not a sign of life.
	m.Observe(ctx, []models.HealthRecord{{ID: "a2", DeviceID: "watch-1", Timestamp: clock.t.Add(-16 * time.Minute).UnixMilli()}})
	assert.Empty(t, notifier.Events())

	m.Observe(ctx, []models.HealthRecord{{ID: "a3", DeviceID: "watch-1", Timestamp: clock.t.UnixMilli()}})
	got := notifier.Events()
	require.Len(t, got, 1)
	assert.Equal(t, models.DeviceRecovered, got[0].Status)
	assert.Equal(t, 5*time.Minute, got[0].DownDuration)

	dev, _ = m.GetDeviceHealth("watch-1")
	assert.Equal(t, models.DeviceHealthy, dev.Status)
	assert.True(t, dev.TimeoutAt.IsZero())

	devices := m.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, unknownDevice, devices[0].DeviceID)
	assert.Equal(t, models.DeviceTimeout, devices[0].Status)
	assert.Equal(t, "watch-1", devices[1].DeviceID)
}

func TestDeviceHealthMonitor_NotifierErrorsDoNotStopOthers(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}
	m := NewDeviceHealthMonitor(0, zap.NewNop(), failing, ok)

	m.notify(context.Background(), []models.DeviceEvent{{DeviceID: "d", Status: models.DeviceTimeout}})
	assert.Len(t, failing.Events(), 1)
	assert.Len(t, ok.Events(), 1)
	assert.Equal(t, DefaultDeviceTimeout, m.timeout)
}
