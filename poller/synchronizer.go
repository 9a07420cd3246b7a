// Package poller keeps an in-memory copy of a user's health records fresh by
// polling the API, and only publishes a new collection when its fingerprint
// changes.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/metrics"
	"healthsense/models"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultLimit    = 1000
)

var (
	// ErrBusy is returned by Refresh while another tick is in flight.
	ErrBusy = errors.New("poll already in progress")
	// ErrNotRunning is returned by Refresh when no subscription is active.
	ErrNotRunning = errors.New("synchronizer is not running")
	// ErrStale marks a tick whose subscription ended before it finished.
	ErrStale = errors.New("subscription ended before tick completed")
)

type Config struct {
	Interval time.Duration
	Limit    int
	// Locale selects the language of State.ErrorMessage.
	Locale          string
	FingerprintSize int
}

// State is a snapshot of the synchronizer. Records is shared with other
// snapshots of the same Version and must not be modified.
type State struct {
	Records      []models.HealthRecord `json:"records"`
	Loading      bool                  `json:"loading"`
	Err          error                 `json:"-"`
	ErrorMessage string                `json:"error,omitempty"`
	Fingerprint  string                `json:"fingerprint"`
	Version      uint64                `json:"version"`
	UpdatedAt    time.Time             `json:"updatedAt,omitzero"`
	Rejected     int                   `json:"rejected"`
}

// Synchronizer owns the record collection for one user.
type Synchronizer struct {
	source Source
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	records     []models.HealthRecord
	fingerprint string
	loading     bool
	err         error
	errMessage  string
	version     uint64
	updatedAt   time.Time
	rejected    int
	active      *Subscription

	listenerMu sync.Mutex
	listeners  map[int]func(State)
	nextID     int
}

func New(source Source, cfg Config, logger *zap.Logger) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.FingerprintSize <= 0 {
		cfg.FingerprintSize = models.DefaultFingerprintSize
	}
	if cfg.Locale == "" {
		cfg.Locale = api.LocaleEnglish
	}
	return &Synchronizer{
		source:    source,
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[int]func(State)),
	}
}

// Subscription is one polling lifetime, from Start until Stop.
type Subscription struct {
	s      *Synchronizer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	busy   atomic.Bool
	loaded atomic.Bool
	wg     sync.WaitGroup
}

// Start loads immediately and then polls every interval until ctx ends or
// Stop is called. A running subscription is stopped first.
func (s *Synchronizer) Start(ctx context.Context) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		s:      s,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.active
	s.active = sub
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	s.logger.Info("Starting record synchronizer",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("limit", s.cfg.Limit))

	go sub.run()
	return sub
}

// Stop ends the active subscription. Ticks still in flight are discarded
// when they complete.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	sub := s.active
	s.active = nil
	s.mu.Unlock()

	if sub != nil {
		sub.cancel()
		s.logger.Info("Record synchronizer stopped")
	}
}

// Refresh runs a tick now on the active subscription.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.RLock()
	sub := s.active
	s.mu.RUnlock()
	if sub == nil {
		return ErrNotRunning
	}
	return sub.tick(ctx, "manual")
}

// State returns the current snapshot.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Records returns the current collection, newest first.
func (s *Synchronizer) Records() []models.HealthRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// OnChange registers fn to receive a snapshot whenever the records, the
// error or the loading flag change. It returns a function that unregisters
// fn. Listeners run on the polling goroutine and should not block.
func (s *Synchronizer) OnChange(fn func(State)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Synchronizer) stateLocked() State {
	return State{
		Records:      s.records,
		Loading:      s.loading,
		Err:          s.err,
		ErrorMessage: s.errMessage,
		Fingerprint:  s.fingerprint,
		Version:      s.version,
		UpdatedAt:    s.updatedAt,
		Rejected:     s.rejected,
	}
}

func (s *Synchronizer) notify(st State) {
	s.listenerMu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// current reports whether sub is still the active subscription. Callers
// hold s.mu.
func (s *Synchronizer) current(sub *Subscription) bool {
	return s.active == sub && sub.ctx.Err() == nil
}

// Done is closed once the polling loop and every tick it started have
// returned.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Stop ends this subscription if it is still the active one.
func (sub *Subscription) Stop() {
	sub.s.mu.Lock()
	if sub.s.active == sub {
		sub.s.active = nil
	}
	sub.s.mu.Unlock()
	sub.cancel()
}

func (sub *Subscription) run() {
	defer close(sub.done)
	defer sub.wg.Wait()

	ticker := time.NewTicker(sub.s.cfg.Interval)
	defer ticker.Stop()

	sub.spawn("initial")
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
			sub.spawn("interval")
		}
	}
}

// spawn runs a tick without blocking the timer so that a slow fetch shows up
// as skipped ticks rather than a delayed schedule.
func (sub *Subscription) spawn(trigger string) {
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		_ = sub.tick(sub.ctx, trigger)
	}()
}

func (sub *Subscription) tick(ctx context.Context, trigger string) error {
	s := sub.s
	if !sub.busy.CompareAndSwap(false, true) {
		metrics.RecordPollTick("skipped", 0)
		s.logger.Debug("Skipping poll tick, previous tick still running", zap.String("trigger", trigger))
		return ErrBusy
	}
	// Released together with the final state so that anyone who sees it,
	// listeners included, may refresh at once.
	release := sync.OnceFunc(func() { sub.busy.Store(false) })
	defer release()

	start := time.Now()
	first := !sub.loaded.Load()

	s.mu.Lock()
	if !s.current(sub) {
		s.mu.Unlock()
		return ErrStale
	}
	prevErr, prevMessage, prevLoading := s.err, s.errMessage, s.loading
	changed := s.err != nil || (first && !s.loading)
	cleared := changed
	if first {
		s.loading = true
	}
	s.err = nil
	s.errMessage = ""
	var snapshot State
	if changed {
		snapshot = s.stateLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify(snapshot)
	}

	// A manual Refresh runs on the caller's context but still ends with the
	// subscription.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	stop := context.AfterFunc(sub.ctx, cancelFetch)
	defer stop()

	raw, fetchErr := s.source.Fetch(fetchCtx)

	var (
		records     []models.HealthRecord
		fingerprint string
		rejected    int
	)
	if fetchErr == nil {
		var normErr error
		records, normErr = models.NormalizeRecords(raw, s.cfg.Limit)
		var schemaErr *models.SchemaError
		if errors.As(normErr, &schemaErr) {
			rejected = len(schemaErr.Rejected)
			metrics.RejectedRecords.Add(float64(rejected))
			s.logger.Warn("Dropped records that failed validation",
				zap.Int("rejected", rejected),
				zap.Int("accepted", len(records)),
				zap.Error(normErr))
		}
		fingerprint = models.Fingerprint(records, s.cfg.FingerprintSize)
	} else if fetchCtx.Err() == nil {
		// Evict so the next tick is a genuinely fresh fetch.
		s.source.Invalidate()
	}

	s.mu.Lock()
	if !s.current(sub) {
		s.mu.Unlock()
		metrics.RecordPollTick("discarded", time.Since(start))
		s.logger.Debug("Discarding result of ended subscription", zap.String("trigger", trigger))
		return ErrStale
	}

	// The caller gave up on a manual refresh while the subscription lives
	// on. Its context error says nothing about the backend.
	if fetchErr != nil && ctx.Err() != nil && sub.ctx.Err() == nil {
		s.err, s.errMessage, s.loading = prevErr, prevMessage, prevLoading
		snapshot = s.stateLocked()
		release()
		s.mu.Unlock()

		metrics.RecordPollTick("abandoned", time.Since(start))
		s.logger.Debug("Caller abandoned poll tick",
			zap.String("trigger", trigger),
			zap.Duration("duration", time.Since(start)),
			zap.Error(ctx.Err()))
		if cleared {
			s.notify(snapshot)
		}
		return fetchErr
	}

	changed = first
	outcome := "unchanged"
	switch {
	case fetchErr != nil:
		s.err = fetchErr
		s.errMessage = api.DisplayMessage(fetchErr, s.cfg.Locale)
		changed = true
		outcome = "error"
	case fingerprint != s.fingerprint:
		s.records = records
		s.fingerprint = fingerprint
		s.rejected = rejected
		s.version++
		s.updatedAt = time.Now()
		changed = true
		outcome = "updated"
		metrics.RecordsHeld.Set(float64(len(records)))
	}
	if first {
		s.loading = false
		sub.loaded.Store(true)
	}
	snapshot = s.stateLocked()
	release()
	s.mu.Unlock()

	metrics.RecordPollTick(outcome, time.Since(start))
	switch outcome {
	case "error":
		s.logger.Warn("Record poll failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", time.Since(start)),
			zap.Error(fetchErr))
	case "updated":
		s.logger.Info("Records updated",
			zap.String("trigger", trigger),
			zap.Int("count", len(records)),
			zap.Uint64("version", snapshot.Version),
			zap.Duration("duration", time.Since(start)))
	default:
		s.logger.Debug("Records unchanged",
			zap.String("trigger", trigger),
			zap.Duration("duration", time.Since(start)))
	}

	if changed {
		s.notify(snapshot)
	}
	return fetchErr
}
