// Package persist provides the asynchronous write-through path from the
// in-memory logs to a repository. The per-step path only enqueues; workers
// perform the I/O.
package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/services"
)

// Job is a single record write. Write receives a context that may carry a
// transaction, so repositories must resolve their executor from it.
type Job struct {
	Store     string
	EpisodeID string
	Write     func(ctx context.Context) error
}

// Queue accepts persistence jobs
type Queue interface {
	Enqueue(job *Job) error
}

// Writer handles asynchronous persistence with a pool of workers
type Writer struct {
	txManager   repositories.TransactionManager
	logger      *zap.Logger
	metrics     observability.Metrics
	jobs        chan *Job
	workerCount int
	bufferSize  int
	batchSize   int
	timeout     time.Duration
	wg          sync.WaitGroup
	ctx         context.Context // parent of every write; cancelled when Stop returns
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.RWMutex

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Config holds configuration for the Writer
type Config struct {
	BufferSize   int           // Size of the job buffer channel
	WorkerCount  int           // Number of concurrent workers
	BatchSize    int           // Jobs committed per transaction when a transaction manager is set
	WriteTimeout time.Duration // Deadline for a single write or batch
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		BatchSize:    32,
		WriteTimeout: 5 * time.Second,
	}
}

// NewWriter creates a new Writer. txManager may be nil, in which case every
// job is written on its own.
func NewWriter(txManager repositories.TransactionManager, logger *zap.Logger, metrics observability.Metrics, config Config) *Writer {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		txManager:   txManager,
		logger:      observability.OrNop(logger),
		metrics:     observability.MetricsOrNop(metrics),
		jobs:        make(chan *Job, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		batchSize:   config.BatchSize,
		timeout:     config.WriteTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("persistence writer already started")
	}

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	w.started = true
	w.logger.Info("started persistence writer",
		zap.Int("worker_count", w.workerCount),
		zap.Int("buffer_size", w.bufferSize),
		zap.Bool("batched", w.txManager != nil && w.batchSize > 1))

	return nil
}

// Stop gracefully stops the writer.
// Waits for all pending jobs to be written or for the timeout.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return services.ErrWriterNotStarted
	}
	w.stopped = true
	w.logger.Info("stopping persistence writer", zap.Int("pending_jobs", len(w.jobs)))
	// No more jobs will be accepted
	close(w.jobs)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("persistence writer stopped gracefully",
			zap.Uint64("written", w.written.Load()),
			zap.Uint64("failed", w.failed.Load()))
		w.cancel()
		return nil
	case <-time.After(timeout):
		w.cancel()
		return fmt.Errorf("persistence writer stop timeout after %v", timeout)
	}
}

// Enqueue queues a job without blocking. A full buffer is reported as
// services.ErrPersistBufferFull and counted as a persistence failure.
func (w *Writer) Enqueue(job *Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.started || w.stopped {
		return services.ErrWriterNotStarted
	}

	select {
	case w.jobs <- job:
		return nil
	default:
		w.dropped.Add(1)
		w.metrics.RecordPersistenceFailure(job.Store)
		w.logger.Warn("persistence buffer full, dropping record",
			zap.String("store", job.Store),
			zap.String("episode_id", job.EpisodeID))
		return services.ErrPersistBufferFull.WithDetail("store", job.Store)
	}
}

// worker processes jobs from the channel
func (w *Writer) worker(id int) {
	defer w.wg.Done()

	w.logger.Debug("persistence worker started", zap.Int("worker_id", id))

	for job := range w.jobs {
		batch := w.collect(job)
		if len(batch) > 1 {
			w.writeBatch(id, batch)
			continue
		}
		w.writeOne(id, job)
	}

	w.logger.Debug("persistence worker stopped", zap.Int("worker_id", id))
}

// collect drains up to batchSize-1 already queued jobs behind first
func (w *Writer) collect(first *Job) []*Job {
	batch := []*Job{first}
	if w.txManager == nil {
		return batch
	}
	for len(batch) < w.batchSize {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				return batch
			}
			batch = append(batch, job)
		default:
			return batch
		}
	}
	return batch
}

// writeBatch commits a batch in one transaction, falling back to single
// writes when the transaction fails so one bad record does not sink the rest
func (w *Writer) writeBatch(workerID int, batch []*Job) {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	err := w.txManager.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		for _, job := range batch {
			if err := job.Write(txCtx); err != nil {
				return fmt.Errorf("%s: %w", job.Store, err)
			}
		}
		return nil
	})
	cancel()

	if err == nil {
		w.written.Add(uint64(len(batch)))
		return
	}

	w.logger.Warn("persistence batch failed, retrying records individually",
		zap.Int("worker_id", workerID),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
	for _, job := range batch {
		w.writeOne(workerID, job)
	}
}

func (w *Writer) writeOne(workerID int, job *Job) {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	if err := job.Write(ctx); err != nil {
		w.failed.Add(1)
		w.metrics.RecordPersistenceFailure(job.Store)
		w.logger.Error("failed to persist record",
			zap.Int("worker_id", workerID),
			zap.String("store", job.Store),
			zap.String("episode_id", job.EpisodeID),
			zap.Error(err))
		return
	}
	w.written.Add(1)
}

// GetStats returns statistics about the writer
func (w *Writer) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		BufferSize:  w.bufferSize,
		PendingJobs: len(w.jobs),
		WorkerCount: w.workerCount,
		Started:     w.started && !w.stopped,
		Written:     w.written.Load(),
		Failed:      w.failed.Load(),
		Dropped:     w.dropped.Load(),
	}
}

// Stats represents writer statistics
type Stats struct {
	BufferSize  int
	PendingJobs int
	WorkerCount int
	Started     bool
	Written     uint64
	Failed      uint64
	Dropped     uint64
}

// Direct runs every job on the caller's goroutine. It is meant for tools and
// tests where the write latency does not matter.
type Direct struct {
	Logger  *zap.Logger
	Metrics observability.Metrics
}

// Enqueue writes the job immediately and returns its error
func (d Direct) Enqueue(job *Job) error {
	if err := job.Write(context.Background()); err != nil {
		observability.MetricsOrNop(d.Metrics).RecordPersistenceFailure(job.Store)
		observability.OrNop(d.Logger).Error("failed to persist record",
			zap.String("store", job.Store),
			zap.String("episode_id", job.EpisodeID),
			zap.Error(err))
		return services.ErrPersistenceFailed.Wrap(err)
	}
	return nil
}
