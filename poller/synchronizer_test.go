package poller

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/models"
)

// fakeSource answers Fetch with fn, numbering calls from 1.
type fakeSource struct {
	fn            func(ctx context.Context, call int) ([]models.RawRecord, error)
	calls         atomic.Int32
	invalidations atomic.Int32
}

func (f *fakeSource) Fetch(ctx context.Context) ([]models.RawRecord, error) {
	return f.fn(ctx, int(f.calls.Add(1)))
}

func (f *fakeSource) Invalidate() { f.invalidations.Add(1) }

func decodeRaw(t *testing.T, payload string) []models.RawRecord {
	t.Helper()
	var raw []models.RawRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

func newSync(src Source) *Synchronizer {
	// A long interval leaves ticks to Start and Refresh.
	return New(src, Config{Interval: time.Hour, Limit: 1000}, zap.NewNop())
}

func waitLoaded(t *testing.T, s *Synchronizer) State {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.State()
		return !st.Loading && (st.Version > 0 || st.Err != nil)
	}, 2*time.Second, time.Millisecond)
	return s.State()
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestSynchronizer_EndToEnd(t *testing.T) {
	const first = `[{"id":"r1","ts":1700000000,"heart_rate":72,"spo2":97.5}]`
	const second = `[{"id":"r2","ts":1700000015,"heart_rate":75,"spo2":98},{"id":"r1","ts":1700000000,"heart_rate":72,"spo2":97.5}]`

	var payload atomic.Value
	payload.Store(first)
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return decodeRaw(t, payload.Load().(string)), nil
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()

	st1 := waitLoaded(t, s)
	assert.False(t, st1.Loading)
	assert.NoError(t, st1.Err)
	assert.Equal(t, []models.HealthRecord{{
		ID:        "r1",
		HeartRate: intPtr(72),
		SpO2:      floatPtr(97.5),
		Timestamp: 1700000000000,
	}}, st1.Records)

	// Byte-for-byte identical payload keeps the same collection.
	require.NoError(t, s.Refresh(context.Background()))
	st2 := s.State()
	require.Len(t, st2.Records, 1)
	assert.Same(t, &st1.Records[0], &st2.Records[0])
	assert.Equal(t, st1.Version, st2.Version)
	assert.Equal(t, st1.Fingerprint, st2.Fingerprint)

	payload.Store(second)
	require.NoError(t, s.Refresh(context.Background()))
	st3 := s.State()
	require.Len(t, st3.Records, 2)
	assert.Equal(t, "r2", st3.Records[0].ID)
	assert.Equal(t, "r1", st3.Records[1].ID)
	assert.NotEqual(t, st1.Fingerprint, st3.Fingerprint)
	assert.Equal(t, st1.Version+1, st3.Version)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestSynchronizer_LoadingOnlyOnFirstLoad(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fn: func(_ context.Context, call int) ([]models.RawRecord, error) {
		if call == 1 {
			<-release
		}
		return decodeRaw(t, `[{"id":"r1","ts":1700000000,"hr":70}]`), nil
	}}
	s := newSync(src)

	var mu sync.Mutex
	var seen []bool
	s.OnChange(func(st State) {
		mu.Lock()
		seen = append(seen, st.Loading)
		mu.Unlock()
	})

	sub := s.Start(context.Background())
	defer sub.Stop()

	require.Eventually(t, func() bool { return s.State().Loading }, time.Second, time.Millisecond)
	close(release)
	waitLoaded(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Refresh(context.Background()))
		assert.False(t, s.State().Loading)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen, "later ticks never touch loading")
}

func TestSynchronizer_FirstLoadFailureEndsLoading(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return nil, &api.Error{Kind: api.KindServer, Status: 503}
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()

	st := waitLoaded(t, s)
	assert.False(t, st.Loading)
	assert.Error(t, st.Err)
}

func TestSynchronizer_ErrorKeepsRecordsAndInvalidates(t *testing.T) {
	src := &fakeSource{fn: func(_ context.Context, call int) ([]models.RawRecord, error) {
		if call == 2 {
			return nil, &api.Error{Kind: api.KindNetwork, Method: "GET", Path: api.RecordsPath}
		}
		return decodeRaw(t, `[{"id":"r1","ts":1700000000,"heart_rate":72}]`), nil
	}}
	s := New(src, Config{Interval: time.Hour, Locale: api.LocaleVietnamese}, zap.NewNop())
	sub := s.Start(context.Background())
	defer sub.Stop()

	before := waitLoaded(t, s)

	err := s.Refresh(context.Background())
	assert.True(t, api.IsKind(err, api.KindNetwork))

	st := s.State()
	assert.Equal(t, "Lỗi kết nối mạng. Vui lòng thử lại.", st.ErrorMessage)
	assert.Same(t, &before.Records[0], &st.Records[0], "records survive a failed tick")
	assert.Equal(t, int32(1), src.invalidations.Load())

	// The next attempt clears the error before fetching.
	require.NoError(t, s.Refresh(context.Background()))
	st = s.State()
	assert.NoError(t, st.Err)
	assert.Empty(t, st.ErrorMessage)
	assert.Equal(t, before.Version, st.Version)
}

func TestSynchronizer_StopDiscardsInFlightTick(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		close(started)
		// Ignores ctx on purpose: the result must still be dropped.
		<-release
		return decodeRaw(t, `[{"id":"late","ts":1700000000,"heart_rate":80}]`), nil
	}}
	s := newSync(src)

	var notified atomic.Int32
	sub := s.Start(context.Background())
	<-started
	s.OnChange(func(State) { notified.Add(1) })

	s.Stop()
	close(release)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not finish")
	}

	st := s.State()
	assert.Empty(t, st.Records)
	assert.Zero(t, st.Version)
	assert.NoError(t, st.Err)
	assert.Zero(t, notified.Load())
	assert.Zero(t, src.invalidations.Load())
}

func TestSynchronizer_RestartIgnoresPreviousSubscription(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fn: func(_ context.Context, call int) ([]models.RawRecord, error) {
		if call == 1 {
			<-release
			return decodeRaw(t, `[{"id":"old","ts":1700000000,"heart_rate":60}]`), nil
		}
		return decodeRaw(t, `[{"id":"new","ts":1700000100,"heart_rate":65}]`), nil
	}}
	s := newSync(src)

	first := s.Start(context.Background())
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := s.Start(context.Background())
	defer second.Stop()
	st := waitLoaded(t, s)
	require.Len(t, st.Records, 1)
	assert.Equal(t, "new", st.Records[0].ID)

	close(release)
	<-first.Done()
	assert.Equal(t, "new", s.State().Records[0].ID)
}

func TestSynchronizer_SkipsTickWhileBusy(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		<-release
		return nil, nil
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrBusy)
	assert.Equal(t, int32(1), src.calls.Load())

	close(release)
	st := waitLoaded(t, s)
	assert.Equal(t, "empty", st.Fingerprint)
}

func TestSynchronizer_RefreshWithoutStart(t *testing.T) {
	s := newSync(&fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) { return nil, nil }})
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotRunning)
}

func TestSynchronizer_RejectedRecordsAreCounted(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return decodeRaw(t, `[{"id":"ok","ts":1700000000,"bpm":66},{"id":"no-ts","heart_rate":70},{"id":"no-hr","ts":1700000001}]`), nil
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()

	st := waitLoaded(t, s)
	require.Len(t, st.Records, 1)
	assert.Equal(t, "ok", st.Records[0].ID)
	assert.Equal(t, 2, st.Rejected)
	assert.NoError(t, st.Err)
}

func TestSynchronizer_LimitCapsRecords(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return decodeRaw(t, `[{"id":"a","ts":1,"hr":60},{"id":"c","ts":3,"hr":60},{"id":"b","ts":2,"hr":60}]`), nil
	}}
	s := New(src, Config{Interval: time.Hour, Limit: 2}, zap.NewNop())
	sub := s.Start(context.Background())
	defer sub.Stop()

	st := waitLoaded(t, s)
	require.Len(t, st.Records, 2)
	assert.Equal(t, "c", st.Records[0].ID)
	assert.Equal(t, "b", st.Records[1].ID)
}

func TestSynchronizer_PollsOnInterval(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return decodeRaw(t, `[{"id":"r1","ts":1700000000,"hr":70}]`), nil
	}}
	s := New(src, Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	var updates atomic.Int32
	unsubscribe := s.OnChange(func(st State) {
		if !st.Loading {
			updates.Add(1)
		}
	})
	defer unsubscribe()

	sub := s.Start(context.Background())
	require.Eventually(t, func() bool { return src.calls.Load() >= 4 }, 2*time.Second, time.Millisecond)
	s.Stop()
	<-sub.Done()

	assert.Equal(t, int32(1), updates.Load(), "unchanged data notifies once")
	assert.Equal(t, uint64(1), s.State().Version)
}

func TestSynchronizer_ParentContextEndsPolling(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) { return nil, nil }}
	s := New(src, Config{Interval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sub := s.Start(ctx)
	waitLoaded(t, s)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not stop with its context")
	}
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrStale)
}

func TestSynchronizer_AbandonedRefreshLeavesStateAlone(t *testing.T) {
	src := &fakeSource{fn: func(ctx context.Context, call int) ([]models.RawRecord, error) {
		if call == 1 {
			return decodeRaw(t, `[{"id":"r1","ts":1700000000,"heart_rate":72}]`), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()
	before := waitLoaded(t, s)

	var notified atomic.Int32
	s.OnChange(func(State) { notified.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := s.State()
	assert.NoError(t, st.Err)
	assert.Empty(t, st.ErrorMessage)
	assert.False(t, st.Loading)
	assert.Equal(t, before.Version, st.Version)
	assert.Same(t, &before.Records[0], &st.Records[0])
	assert.Zero(t, notified.Load(), "nothing changed, nothing to publish")
	assert.Zero(t, src.invalidations.Load())

	// The subscription is still usable afterwards.
	assert.NotErrorIs(t, s.Refresh(ctx), ErrBusy)
}

func TestSynchronizer_AbandonedRefreshRestoresPreviousError(t *testing.T) {
	backendErr := &api.Error{Kind: api.KindServer, Status: 503}
	src := &fakeSource{fn: func(ctx context.Context, call int) ([]models.RawRecord, error) {
		if call == 1 {
			return nil, backendErr
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newSync(src)
	sub := s.Start(context.Background())
	defer sub.Stop()
	before := waitLoaded(t, s)
	require.Error(t, before.Err)

	var mu sync.Mutex
	var seen []string
	s.OnChange(func(st State) {
		mu.Lock()
		seen = append(seen, st.ErrorMessage)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Refresh(ctx))

	st := s.State()
	assert.Equal(t, backendErr, st.Err)
	assert.Equal(t, before.ErrorMessage, st.ErrorMessage)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", before.ErrorMessage}, seen)
}

func TestSynchronizer_ListenerCanRefreshOnceStatePublished(t *testing.T) {
	src := &fakeSource{fn: func(_ context.Context, call int) ([]models.RawRecord, error) {
		return decodeRaw(t, `[{"id":"r1","ts":1700000000,"heart_rate":72}]`), nil
	}}
	s := newSync(src)

	refreshed := make(chan error, 1)
	var once sync.Once
	s.OnChange(func(st State) {
		if st.Loading {
			return
		}
		once.Do(func() { refreshed <- s.Refresh(context.Background()) })
	})

	sub := s.Start(context.Background())
	defer sub.Stop()

	select {
	case err := <-refreshed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never saw the loaded state")
	}
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSynchronizer_RefreshAfterObservedLoadIsNeverBusy(t *testing.T) {
	src := &fakeSource{fn: func(context.Context, int) ([]models.RawRecord, error) {
		return decodeRaw(t, `[{"id":"r1","ts":1700000000,"heart_rate":72}]`), nil
	}}
	for i := 0; i < 50; i++ {
		s := newSync(src)
		sub := s.Start(context.Background())
		waitLoaded(t, s)
		require.NoError(t, s.Refresh(context.Background()), "iteration %d", i)
		sub.Stop()
		<-sub.Done()
	}
}
