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
	"healthsense/poller"
)

type recordingSink struct {
	mu       sync.Mutex
	findings []Finding
	err      error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) SendAlert(_ context.Context, f Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return s.err
}

func (s *recordingSink) Findings() []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Finding(nil), s.findings...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *recordingPublisher) Name() string { return "publisher" }

func (p *recordingPublisher) PublishUpdate(_ context.Context, u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) Versions() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint64
	for _, u := range p.updates {
		out = append(out, u.Version)
	}
	return out
}

func TestDispatcher_FansOutNewVersions(t *testing.T) {
	monitor := NewDeviceHealthMonitor(time.Minute, zap.NewNop())
	d := NewDispatcher("user-1", NewVitalsDetector(DefaultThresholds()), monitor, zap.NewNop())
	failing := &recordingSink{err: errors.New("sink down")}
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	d.AddAlertSink(failing)
	d.AddAlertSink(sink)
	d.AddPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	records := []models.HealthRecord{vitals("r1", 1000, 130, 98)}
	d.HandleState(poller.State{Loading: true})
	d.HandleState(poller.State{Version: 1, Records: records, Fingerprint: "fp1"})
	require.Eventually(t, func() bool { return len(pub.Versions()) == 1 }, time.Second, time.Millisecond)

	// Error snapshots keep the version and are not forwarded.
	d.HandleState(poller.State{Version: 1, Records: records, ErrorMessage: "offline"})

	records2 := append([]models.HealthRecord{vitals("r2", 2000, 70, 98)}, records...)
	d.HandleState(poller.State{Version: 2, Records: records2, Fingerprint: "fp2"})
	require.Eventually(t, func() bool { return len(pub.Versions()) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, []uint64{1, 2}, pub.Versions())
	findings := sink.Findings()
	require.Len(t, findings, 1, "r2 is normal")
	assert.Equal(t, "r1", findings[0].Record.ID)
	assert.Len(t, failing.Findings(), 1, "a failing sink does not block the others")

	dev, ok := monitor.GetDeviceHealth("watch-1")
	require.True(t, ok)
	assert.Equal(t, int64(2000), dev.LastSeen.UnixMilli())
}

func TestDispatcher_SubmitKeepsNewestPending(t *testing.T) {
	d := NewDispatcher("user-1", nil, nil, zap.NewNop())
	d.Submit(Update{Version: 1})
	d.Submit(Update{Version: 2})
	d.Submit(Update{Version: 3})

	pub := &recordingPublisher{}
	d.AddPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return len(pub.Versions()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{3}, pub.Versions())
}

func TestUpdate_Latest(t *testing.T) {
	_, ok := Update{}.Latest()
	assert.False(t, ok)

	latest, ok := Update{Records: []models.HealthRecord{vitals("a", 1, 70, 98), vitals("b", 5, 70, 98)}}.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", latest.ID)
}
