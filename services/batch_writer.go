package services

import (
	"context"
	"sync"
	"time"

	"healthsense/models"

	"go.uber.org/zap"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = 5 * time.Second
)

// BatchWriter persists a batch of records.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []models.HealthRecord) error
}

// BatchWriterService buffers records that are new since the previous update
// and writes them when the buffer is full or the batch timeout elapses.
type BatchWriterService struct {
	writer       BatchWriter
	logger       *zap.Logger
	maxBatchSize int
	batchTimeout time.Duration
	retryDelay   time.Duration

	incoming chan []models.HealthRecord
	lastSeen int64

	bufferMutex sync.Mutex
	buffer      []models.HealthRecord

	shutdownChan chan bool
}

var _ UpdatePublisher = (*BatchWriterService)(nil)

func NewBatchWriterService(writer BatchWriter, maxBatchSize int, batchTimeout time.Duration, logger *zap.Logger) *BatchWriterService {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	return &BatchWriterService{
		writer:       writer,
		logger:       logger,
		maxBatchSize: maxBatchSize,
		batchTimeout: batchTimeout,
		retryDelay:   time.Second,
		incoming:     make(chan []models.HealthRecord, 16),
		buffer:       make([]models.HealthRecord, 0, maxBatchSize),
		shutdownChan: make(chan bool, 1),
	}
}

func (bw *BatchWriterService) Name() string { return "firebase" }

// PublishUpdate queues the records of u newer than anything queued before.
// It is called from the dispatcher goroutine only.
func (bw *BatchWriterService) PublishUpdate(ctx context.Context, u Update) error {
	var fresh []models.HealthRecord
	latestTS := bw.lastSeen
	for _, r := range u.Records {
		if r.Timestamp > bw.lastSeen {
			fresh = append(fresh, r)
			latestTS = max(latestTS, r.Timestamp)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	select {
	case bw.incoming <- fresh:
		bw.lastSeen = latestTS
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the batch writer service
func (bw *BatchWriterService) Start(ctx context.Context) {
	bw.logger.Info("Starting batch writer service",
		zap.Int("max_batch_size", bw.maxBatchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	flushTimer := time.NewTimer(bw.batchTimeout)
	defer flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Batch writer received shutdown signal")
			// The run context is gone; the final flush gets its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), bw.batchTimeout)
			bw.flushBuffer(flushCtx)
			cancel()
			bw.shutdownChan <- true
			return

		case records := <-bw.incoming:
			bw.bufferMutex.Lock()
			bw.buffer = append(bw.buffer, records...)
			currentSize := len(bw.buffer)
			bw.bufferMutex.Unlock()

			bw.logger.Debug("Added records to buffer",
				zap.Int("added", len(records)),
				zap.Int("buffer_size", currentSize),
				zap.Int("max_batch_size", bw.maxBatchSize))

			if currentSize >= bw.maxBatchSize {
				bw.logger.Info("Buffer full, flushing", zap.Int("buffer_size", currentSize))
				flushTimer.Stop()
				bw.flushBuffer(ctx)
				flushTimer.Reset(bw.batchTimeout)
			}

		case <-flushTimer.C:
			if bw.GetBufferSize() > 0 {
				bw.logger.Info("Batch timeout reached, flushing",
					zap.Int("buffer_size", bw.GetBufferSize()))
				bw.flushBuffer(ctx)
			}
			flushTimer.Reset(bw.batchTimeout)
		}
	}
}

// flushBuffer writes the buffer in chunks of maxBatchSize and clears it
func (bw *BatchWriterService) flushBuffer(ctx context.Context) {
	bw.bufferMutex.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMutex.Unlock()
		return
	}
	pending := make([]models.HealthRecord, len(bw.buffer))
	copy(pending, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.bufferMutex.Unlock()

	for len(pending) > 0 {
		n := min(len(pending), bw.maxBatchSize)
		bw.writeWithRetry(ctx, pending[:n])
		pending = pending[n:]
	}
}

func (bw *BatchWriterService) writeWithRetry(ctx context.Context, batch []models.HealthRecord) {
	maxRetries := 3
	var err error

retry:
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = bw.writer.WriteBatch(ctx, batch)
		if err == nil {
			bw.logger.Info("Successfully flushed batch", zap.Int("batch_size", len(batch)))
			return
		}

		bw.logger.Error("Failed to flush batch",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * bw.retryDelay):
			case <-ctx.Done():
				break retry
			}
		}
	}

	// If all retries failed, log error (data will be lost)
	bw.logger.Error("Failed to flush batch after all retries, data lost",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriterService) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size (for monitoring)
func (bw *BatchWriterService) GetBufferSize() int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	return len(bw.buffer)
}
