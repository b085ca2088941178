package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/services"
)

type fakeTxManager struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return fn(ctx, nil)
}

type failureMetrics struct {
	observability.NopMetrics
	mu       sync.Mutex
	failures map[string]int
}

func (m *failureMetrics) RecordPersistenceFailure(store string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[store]++
}

func (m *failureMetrics) count(store string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[store]
}

type sink struct {
	mu      sync.Mutex
	records []string
}

func (s *sink) job(store, value string) *Job {
	return &Job{
		Store:     store,
		EpisodeID: "ep-1",
		Write: func(ctx context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.records = append(s.records, value)
			return nil
		},
	}
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestWriter_StartStop(t *testing.T) {
	w := NewWriter(nil, zap.NewNop(), nil, DefaultConfig())

	assert.ErrorIs(t, w.Enqueue(&Job{Store: "rewards"}), services.ErrWriterNotStarted)
	assert.ErrorIs(t, w.Stop(time.Second), services.ErrWriterNotStarted)

	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	assert.True(t, w.GetStats().Started)

	require.NoError(t, w.Stop(time.Second))
	assert.False(t, w.GetStats().Started)
	assert.ErrorIs(t, w.Enqueue(&Job{Store: "rewards"}), services.ErrWriterNotStarted)
	assert.ErrorIs(t, w.Stop(time.Second), services.ErrWriterNotStarted)
}

func TestWriter_DrainsOnStop(t *testing.T) {
	tests := []struct {
		name      string
		txManager *fakeTxManager
	}{
		{name: "single writes", txManager: nil},
		{name: "batched writes", txManager: &fakeTxManager{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tm repositories.TransactionManager
			if tt.txManager != nil {
				tm = tt.txManager
			}
			w := NewWriter(tm, zap.NewNop(), nil, Config{BufferSize: 100, WorkerCount: 3, BatchSize: 8})
			require.NoError(t, w.Start())

			s := &sink{}
			for i := 0; i < 50; i++ {
				require.NoError(t, w.Enqueue(s.job("rewards", "r")))
			}

			require.NoError(t, w.Stop(5*time.Second))
			assert.Equal(t, 50, s.len())

			stats := w.GetStats()
			assert.Equal(t, uint64(50), stats.Written)
			assert.Zero(t, stats.Failed)
			assert.Zero(t, stats.PendingJobs)
		})
	}
}

func TestWriter_FailedWritesAreCounted(t *testing.T) {
	metrics := &failureMetrics{}
	w := NewWriter(&fakeTxManager{}, zap.NewNop(), metrics, Config{BufferSize: 10, WorkerCount: 1, BatchSize: 4})
	require.NoError(t, w.Start())

	s := &sink{}
	require.NoError(t, w.Enqueue(s.job("audit_logs", "a")))
	require.NoError(t, w.Enqueue(&Job{
		Store:     "audit_logs",
		EpisodeID: "ep-1",
		Write:     func(ctx context.Context) error { return errors.New("constraint violation") },
	}))
	require.NoError(t, w.Enqueue(s.job("audit_logs", "b")))

	require.NoError(t, w.Stop(5*time.Second))

	stats := w.GetStats()
	assert.Equal(t, uint64(2), stats.Written)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 1, metrics.count("audit_logs"))
}

func TestWriter_BufferFull(t *testing.T) {
	metrics := &failureMetrics{}
	w := NewWriter(nil, zap.NewNop(), metrics, Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, w.Start())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, w.Enqueue(&Job{
		Store: "rewards",
		Write: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	<-started

	s := &sink{}
	require.NoError(t, w.Enqueue(s.job("rewards", "queued")))

	err := w.Enqueue(s.job("rewards", "dropped"))
	assert.ErrorIs(t, err, services.ErrPersistBufferFull)
	assert.True(t, services.IsPersistenceError(err))
	assert.Equal(t, 1, metrics.count("rewards"))

	close(release)
	require.NoError(t, w.Stop(5*time.Second))
	assert.Equal(t, uint64(1), w.GetStats().Dropped)
	assert.Equal(t, 1, s.len())
}

func TestWriter_StopTimeout(t *testing.T) {
	w := NewWriter(nil, zap.NewNop(), nil, Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, w.Start())

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, w.Enqueue(&Job{
		Store: "rewards",
		Write: func(ctx context.Context) error {
			<-release
			return nil
		},
	}))

	err := w.Stop(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWriter_StopTimeoutCancelsInFlightWrite(t *testing.T) {
	w := NewWriter(nil, zap.NewNop(), nil, Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, w.Start())

	aborted := make(chan error, 1)
	require.NoError(t, w.Enqueue(&Job{
		Store: "rewards",
		Write: func(ctx context.Context) error {
			<-ctx.Done()
			aborted <- ctx.Err()
			return ctx.Err()
		},
	}))

	require.Error(t, w.Stop(20*time.Millisecond))
	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight write was not cancelled")
	}
}

func TestDirect(t *testing.T) {
	metrics := &failureMetrics{}
	d := Direct{Logger: zap.NewNop(), Metrics: metrics}

	s := &sink{}
	require.NoError(t, d.Enqueue(s.job("rewards", "r")))
	assert.Equal(t, 1, s.len())

	cause := errors.New("db down")
	err := d.Enqueue(&Job{Store: "rewards", Write: func(ctx context.Context) error { return cause }})
	assert.ErrorIs(t, err, services.ErrPersistenceFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, metrics.count("rewards"))
}
