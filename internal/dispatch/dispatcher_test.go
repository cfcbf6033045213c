package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/config"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	jqerrors "github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/metrics"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/record"
)

// memStore is an in-memory queue store with the same ordering contract as
// the Redis adapter: strict priority descending, FIFO within a band.
type memStore struct {
	mu        sync.Mutex
	seq       int64
	queues    map[job.Kind][]memEntry
	scheduled []schedEntry
	failed    map[job.Kind][]*job.Envelope
	pingErr   error
}

type memEntry struct {
	env *job.Envelope
	seq int64
}

type schedEntry struct {
	env     *job.Envelope
	readyAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		queues: make(map[job.Kind][]memEntry),
		failed: make(map[job.Kind][]*job.Envelope),
	}
}

func (m *memStore) Enqueue(_ context.Context, env *job.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.queues[env.Kind] = append(m.queues[env.Kind], memEntry{env: env, seq: m.seq})
	return nil
}

func (m *memStore) DequeueNext(_ context.Context, kind job.Kind) (*job.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.queues[kind]
	if len(entries) == 0 {
		return nil, nil
	}

	best := 0
	for i, e := range entries {
		if e.env.Priority > entries[best].env.Priority ||
			(e.env.Priority == entries[best].env.Priority && e.seq < entries[best].seq) {
			best = i
		}
	}

	env := entries[best].env
	m.queues[kind] = append(entries[:best], entries[best+1:]...)
	return env, nil
}

func (m *memStore) QueueLength(_ context.Context, kind job.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[kind])), nil
}

func (m *memStore) AggregateDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, entries := range m.queues {
		total += int64(len(entries))
	}
	return total, nil
}

func (m *memStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) ScheduleRetry(_ context.Context, env *job.Envelope, readyAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, schedEntry{env: env, readyAt: readyAt})
	return nil
}

func (m *memStore) PromoteDue(_ context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var rest []schedEntry
	moved := 0
	for _, se := range m.scheduled {
		if moved < limit && !se.readyAt.After(now) {
			m.seq++
			m.queues[se.env.Kind] = append(m.queues[se.env.Kind], memEntry{env: se.env, seq: m.seq})
			moved++
			continue
		}
		rest = append(rest, se)
	}
	m.scheduled = rest
	return moved, nil
}

func (m *memStore) MoveToFailed(_ context.Context, env *job.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env.Status = job.StatusFailed
	m.failed[env.Kind] = append(m.failed[env.Kind], env)
	return nil
}

func (m *memStore) Stats(_ context.Context, kind job.Kind) (*queue.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &queue.QueueStats{
		Pending: int64(len(m.queues[kind])),
		Failed:  int64(len(m.failed[kind])),
	}, nil
}

func (m *memStore) failedFor(kind job.Kind) []*job.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Envelope, len(m.failed[kind]))
	copy(out, m.failed[kind])
	return out
}

func (m *memStore) depths(kind job.Kind) (pending, scheduled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[kind]), len(m.scheduled)
}

// memRecord captures system-of-record calls.
type memRecord struct {
	record.Noop
	mu        sync.Mutex
	completed []string
	failed    map[string]string
	pending   map[job.Kind][]record.PendingJob
}

func newMemRecord() *memRecord {
	return &memRecord{failed: make(map[string]string), pending: make(map[job.Kind][]record.PendingJob)}
}

func (r *memRecord) MarkCompleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
	return nil
}

func (r *memRecord) MarkFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

func (r *memRecord) GetPendingJobs(_ context.Context, kind job.Kind, limit int) ([]record.PendingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := r.pending[kind]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *memRecord) failedReason(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.failed[id]
	return reason, ok
}

func testConfig() config.Config {
	cfg := config.Config{
		RedisAddr:         "localhost:6379",
		RedisPoolSize:     10,
		TickInterval:      20 * time.Millisecond,
		PromoteInterval:   10 * time.Millisecond,
		BatchSize:         10,
		MaxConcurrentJobs: 4,
		JobTimeout:        time.Second,
		RetryDelay:        time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		MaxRetries:        3,
		ShutdownTimeout:   5 * time.Second,
		DepthWarning:      1000,
		DepthCritical:     5000,
	}
	return cfg
}

func mustEnqueue(t *testing.T, store *memStore, kind job.Kind, priority int) *job.Envelope {
	t.Helper()
	env, err := job.New(kind, job.ExtractionPayload{FileID: "f1", OrgID: "o1"}, priority)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), env))
	return env
}

func TestDispatcher_PriorityOrderWithinBatch(t *testing.T) {
	store := newMemStore()

	// One execution slot makes start order observable.
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.BatchSize = 3

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, env *job.Envelope) error {
			mu.Lock()
			order = append(order, env.Priority)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		},
	}

	for _, p := range []int{5, 9, 1} {
		mustEnqueue(t, store, job.KindExtraction, p)
	}

	d := dispatch.New(cfg, store, nil, registry, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for batch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{9, 5, 1}, order)
}

func TestDispatcher_RetriesExhaustedJobIsTerminal(t *testing.T) {
	store := newMemStore()
	rec := newMemRecord()

	cfg := testConfig()
	cfg.MaxRetries = 2

	var attempts atomic.Int32
	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, env *job.Envelope) error {
			attempts.Add(1)
			return errors.New("downstream rejected")
		},
	}

	env := mustEnqueue(t, store, job.KindExtraction, 0)
	env.RecordID = "rec-42"

	d := dispatch.New(cfg, store, rec, registry, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.failedFor(job.KindExtraction)) == 1
	}, 10*time.Second, 10*time.Millisecond, "job never became terminal")

	// Initial attempt plus two retries.
	require.Equal(t, int32(3), attempts.Load())

	failed := store.failedFor(job.KindExtraction)[0]
	require.Equal(t, env.ID, failed.ID)
	require.Equal(t, 3, failed.RetryCount)
	require.Equal(t, job.StatusFailed, failed.Status)
	require.Contains(t, failed.LastError, "downstream rejected")

	reason, ok := rec.failedReason("rec-42")
	require.True(t, ok, "terminal status must reach the system of record")
	require.Contains(t, reason, "downstream rejected")

	// Terminal means gone from the queue store for good.
	require.Eventually(t, func() bool {
		pending, scheduled := store.depths(job.KindExtraction)
		return pending == 0 && scheduled == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_TimeoutRecordedPromptly(t *testing.T) {
	store := newMemStore()

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0

	registry := dispatch.Registry{
		job.KindExtraction: func(ctx context.Context, _ *job.Envelope) error {
			time.Sleep(2 * time.Second)
			return nil
		},
	}

	mustEnqueue(t, store, job.KindExtraction, 0)

	coll := metrics.NewCollector()
	d := dispatch.New(cfg, store, nil, registry, coll, zerolog.Nop())

	start := time.Now()
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.failedFor(job.KindExtraction)) == 1
	}, time.Second, 5*time.Millisecond, "timed-out job not recorded as failed")

	// Failure must land around the timeout, not after the handler wakes up.
	require.Less(t, time.Since(start), time.Second)

	snap := coll.Snapshot()
	require.Equal(t, int64(1), snap.Timeouts)
	require.Contains(t, store.failedFor(job.KindExtraction)[0].LastError, "timed out")
}

func TestDispatcher_PanicDoesNotSinkSiblings(t *testing.T) {
	store := newMemStore()

	cfg := testConfig()
	cfg.MaxRetries = 0

	var completed atomic.Int32
	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, env *job.Envelope) error {
			if env.Priority == 9 {
				panic("handler exploded")
			}
			completed.Add(1)
			return nil
		},
	}

	for _, p := range []int{9, 5, 1} {
		mustEnqueue(t, store, job.KindExtraction, p)
	}

	coll := metrics.NewCollector()
	d := dispatch.New(cfg, store, nil, registry, coll, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return completed.Load() == 2 && len(store.failedFor(job.KindExtraction)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Contains(t, store.failedFor(job.KindExtraction)[0].LastError, "panic")
}

func TestDispatcher_RetryCountsIncreaseMonotonically(t *testing.T) {
	store := newMemStore()

	cfg := testConfig()
	cfg.MaxRetries = 3

	var mu sync.Mutex
	var observed []int
	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, env *job.Envelope) error {
			mu.Lock()
			observed = append(observed, env.RetryCount)
			mu.Unlock()
			return errors.New("still failing")
		},
	}

	mustEnqueue(t, store, job.KindExtraction, 0)

	d := dispatch.New(cfg, store, nil, registry, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return len(store.failedFor(job.KindExtraction)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3}, observed)
	require.True(t, sort.IntsAreSorted(observed))
}

func TestDispatcher_TicksDoNotOverlap(t *testing.T) {
	store := newMemStore()

	// Two free slots: only overlapping ticks could run two jobs at once
	// when each tick fetches a single job.
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.BatchSize = 1
	cfg.MaxConcurrentJobs = 2

	var inFlight, maxInFlight atomic.Int32
	var processed atomic.Int32
	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, _ *job.Envelope) error {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(60 * time.Millisecond)
			inFlight.Add(-1)
			processed.Add(1)
			return nil
		},
	}

	for i := 0; i < 4; i++ {
		mustEnqueue(t, store, job.KindExtraction, 0)
	}

	d := dispatch.New(cfg, store, nil, registry, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return processed.Load() == 4
	}, 10*time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), maxInFlight.Load(), "a new tick fired while the previous batch was still running")
}

func TestDispatcher_PartialFailureCountsAsSuccess(t *testing.T) {
	store := newMemStore()
	rec := newMemRecord()

	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, _ *job.Envelope) error {
			return &jqerrors.PartialFailureError{
				Degraded: []string{"search-index enqueue"},
				Err:      errors.New("queue briefly unavailable"),
			}
		},
	}

	env := mustEnqueue(t, store, job.KindExtraction, 0)
	env.RecordID = "rec-7"

	coll := metrics.NewCollector()
	d := dispatch.New(testConfig(), store, rec, registry, coll, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return coll.Snapshot().Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := coll.Snapshot()
	require.Equal(t, int64(1), snap.Degraded)
	require.Equal(t, int64(0), snap.Failed)

	_, scheduled := store.depths(job.KindExtraction)
	require.Zero(t, scheduled, "degraded success must not be retried")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Contains(t, rec.completed, "rec-7")
}

func TestDispatcher_ResyncPendingEnqueuesRecordJobs(t *testing.T) {
	store := newMemStore()
	rec := newMemRecord()

	payload, _ := json.Marshal(job.ExtractionPayload{FileID: "f9", OrgID: "o1"})
	rec.pending[job.KindExtraction] = []record.PendingJob{
		{ID: "rec-1", Kind: job.KindExtraction, Payload: payload, Priority: 3},
		{ID: "rec-2", Kind: job.KindExtraction, Payload: payload, Priority: 1},
	}

	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, _ *job.Envelope) error { return nil },
	}

	d := dispatch.New(testConfig(), store, rec, registry, metrics.NewCollector(), zerolog.Nop())

	n, err := d.ResyncPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, _ := store.depths(job.KindExtraction)
	require.Equal(t, 2, pending)

	env, err := store.DequeueNext(context.Background(), job.KindExtraction)
	require.NoError(t, err)
	require.Equal(t, "rec-1", env.RecordID)
	require.Equal(t, 3, env.Priority)
}

func TestDispatcher_StopLetsInFlightJobsFinish(t *testing.T) {
	store := newMemStore()
	rec := newMemRecord()

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.JobTimeout = 10 * time.Second

	started := make(chan struct{})
	var finished atomic.Bool
	registry := dispatch.Registry{
		job.KindExtraction: func(ctx context.Context, _ *job.Envelope) error {
			close(started)
			time.Sleep(300 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}

	env := mustEnqueue(t, store, job.KindExtraction, 0)
	env.RecordID = "rec-9"

	coll := metrics.NewCollector()
	d := dispatch.New(cfg, store, rec, registry, coll, zerolog.Nop())
	require.NoError(t, d.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, d.Stop())

	// A routine stop waits out the handler; the job completes normally and
	// spends none of its retry budget.
	require.True(t, finished.Load())

	snap := coll.Snapshot()
	require.Equal(t, int64(1), snap.Succeeded)
	require.Zero(t, snap.Failed)

	require.Empty(t, store.failedFor(job.KindExtraction))
	pending, scheduled := store.depths(job.KindExtraction)
	require.Zero(t, pending)
	require.Zero(t, scheduled)

	_, failed := rec.failedReason("rec-9")
	require.False(t, failed, "a clean shutdown must never mark a job failed")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Contains(t, rec.completed, "rec-9")
}

func TestDispatcher_ReconfigureAppliedOnNextStart(t *testing.T) {
	store := newMemStore()
	registry := dispatch.Registry{
		job.KindExtraction: func(_ context.Context, _ *job.Envelope) error { return nil },
	}

	d := dispatch.New(testConfig(), store, nil, registry, metrics.NewCollector(), zerolog.Nop())

	require.NoError(t, d.Reconfigure(config.Tunables{MaxRetries: 5, BatchSize: 20}))

	err := d.Reconfigure(config.Tunables{BatchSize: -5})
	require.Error(t, err, "invalid tunables must be rejected")

	require.NoError(t, d.Start(context.Background()))
	require.True(t, d.Running())
	require.NoError(t, d.Stop())
	require.False(t, d.Running())
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := dispatch.Backoff(base, attempt, max)
		require.GreaterOrEqual(t, d, prev, "backoff must be non-decreasing")
		require.LessOrEqual(t, d, max)
		prev = d
	}

	require.Equal(t, 100*time.Millisecond, dispatch.Backoff(base, 1, max))
	require.Equal(t, 200*time.Millisecond, dispatch.Backoff(base, 2, max))
	require.Equal(t, 400*time.Millisecond, dispatch.Backoff(base, 3, max))
	require.Equal(t, max, dispatch.Backoff(base, 30, max))
	require.Equal(t, max, dispatch.Backoff(base, 500, max))
}
