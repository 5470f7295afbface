package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"realtime-collab/internal/models"

	"go.uber.org/zap"
)

/*
LEARNING: CHANGE RECORDER WORKER POOL

Broadcasting a change must not wait for the database. The session registry
hands each sequenced change to Record, which only enqueues it; a fixed pool
of workers drains the queue into the repository.

- bounded queue: Record blocks when it is full (backpressure)
- Shutdown stops intake, lets the workers drain what is queued, and gives
  up when its context expires
*/

var ErrRecorderClosed = errors.New("recorder: shutting down")

// ChangeRecorder persists broadcast changes asynchronously
type ChangeRecorder struct {
	repo   ChangeRepository
	logger *zap.Logger

	jobs    chan models.TextChange
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool

	stored atomic.Int64
	failed atomic.Int64
}

// NewChangeRecorder creates the pool; call Start to run the workers
func NewChangeRecorder(repo ChangeRepository, numWorkers, queueSize int, logger *zap.Logger) *ChangeRecorder {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ChangeRecorder{
		repo:    repo,
		logger:  logger,
		jobs:    make(chan models.TextChange, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers
func (r *ChangeRecorder) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.logger.Info("change recorder started", zap.Int("workers", r.workers))
}

// worker stores changes until the queue is closed and drained
func (r *ChangeRecorder) worker(id int) {
	defer r.wg.Done()

	for change := range r.jobs {
		if err := r.repo.StoreChange(r.ctx, change); err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to record change",
				zap.Int("worker", id),
				zap.String("session_id", change.SessionID),
				zap.Uint64("sequence", change.Sequence),
				zap.Error(err),
			)
			continue
		}
		r.stored.Add(1)
	}
}

// Record queues a change for persistence
// Learning: Blocks while the queue is full, returns early if ctx ends first
func (r *ChangeRecorder) Record(ctx context.Context, change models.TextChange) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRecorderClosed
	}

	select {
	case r.jobs <- change:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting changes and waits for queued ones to be stored.
// When ctx ends first the in-flight writes are cancelled.
func (r *ChangeRecorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("change recorder drained",
			zap.Int64("stored", r.stored.Load()),
			zap.Int64("failed", r.failed.Load()),
		)
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// QueueLength returns the number of changes waiting to be stored
func (r *ChangeRecorder) QueueLength() int {
	return len(r.jobs)
}

// Stored returns how many changes were written successfully
func (r *ChangeRecorder) Stored() int64 {
	return r.stored.Load()
}
