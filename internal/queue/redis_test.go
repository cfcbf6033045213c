package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
)

type testContext struct {
	store *queue.RedisStore
}

func SetupTestWrapper(t *testing.T) *testContext {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start redis container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	store, err := queue.NewRedisStore(ctx, queue.RedisConfig{
		Addr:        fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		PingTimeout: time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return &testContext{store: store}
}

func enqueue(t *testing.T, store *queue.RedisStore, kind job.Kind, priority int) *job.Envelope {
	t.Helper()
	env, err := job.New(kind, job.ExtractionPayload{FileID: "f1", OrgID: "o1"}, priority)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), env))
	return env
}

func TestRedisStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	testCtx := SetupTestWrapper(t)
	store := testCtx.store
	ctx := context.Background()

	t.Run("Priority Ordering", func(t *testing.T) {
		for _, p := range []int{0, 100, -50, 7} {
			enqueue(t, store, job.KindExtraction, p)
		}

		var got []int
		for {
			env, err := store.DequeueNext(ctx, job.KindExtraction)
			require.NoError(t, err)
			if env == nil {
				break
			}
			got = append(got, env.Priority)
		}
		require.Equal(t, []int{100, 7, 0, -50}, got)
	})

	t.Run("FIFO Within Priority Band", func(t *testing.T) {
		var ids []string
		for i := 0; i < 5; i++ {
			env := enqueue(t, store, job.KindStorageSync, 3)
			ids = append(ids, env.ID)
		}

		for _, want := range ids {
			env, err := store.DequeueNext(ctx, job.KindStorageSync)
			require.NoError(t, err)
			require.NotNil(t, env)
			require.Equal(t, want, env.ID)
		}
	})

	t.Run("Dequeue Empty Queue", func(t *testing.T) {
		env, err := store.DequeueNext(ctx, job.KindSearchIndex)
		require.NoError(t, err)
		require.Nil(t, env)
	})

	t.Run("Concurrent Dequeue No Duplicates", func(t *testing.T) {
		const total = 50
		for i := 0; i < total; i++ {
			enqueue(t, store, job.KindExtraction, i%10)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					env, err := store.DequeueNext(ctx, job.KindExtraction)
					if err != nil {
						t.Errorf("dequeue: %v", err)
						return
					}
					if env == nil {
						return
					}
					mu.Lock()
					seen[env.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, total)
		for id, n := range seen {
			require.Equal(t, 1, n, "job %s dequeued more than once", id)
		}
	})

	t.Run("Schedule And Promote", func(t *testing.T) {
		env := enqueue(t, store, job.KindExtraction, 5)
		dequeued, err := store.DequeueNext(ctx, job.KindExtraction)
		require.NoError(t, err)
		require.NotNil(t, dequeued)

		// Scheduled scores have second resolution, so keep the delay well
		// above one second to make the not-yet-due check deterministic.
		dequeued.RetryCount = 1
		require.NoError(t, store.ScheduleRetry(ctx, dequeued, time.Now().Add(2*time.Second)))

		n, err := store.PromoteDue(ctx, 10)
		require.NoError(t, err)
		require.Zero(t, n)

		scheduled, err := store.ScheduledLength(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), scheduled)

		time.Sleep(2500 * time.Millisecond)

		n, err = store.PromoteDue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		promoted, err := store.DequeueNext(ctx, job.KindExtraction)
		require.NoError(t, err)
		require.NotNil(t, promoted)
		require.Equal(t, env.ID, promoted.ID)
		require.Equal(t, 1, promoted.RetryCount)
		require.Equal(t, 5, promoted.Priority, "promotion preserves priority")
	})

	t.Run("Failed Set And Bulk Retry", func(t *testing.T) {
		var failed []*job.Envelope
		for i := 0; i < 3; i++ {
			env := enqueue(t, store, job.KindStorageSync, 0)
			dequeued, err := store.DequeueNext(ctx, job.KindStorageSync)
			require.NoError(t, err)
			dequeued.RetryCount = 4
			dequeued.LastError = "downstream rejected"
			require.NoError(t, store.MoveToFailed(ctx, dequeued))
			failed = append(failed, env)
		}

		n, err := store.FailedLength(ctx, job.KindStorageSync)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		listed, err := store.ListFailed(ctx, job.KindStorageSync, 0, 10)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		require.Equal(t, job.StatusFailed, listed[0].Status)

		moved, err := store.RetryAllFailed(ctx, job.KindStorageSync)
		require.NoError(t, err)
		require.Equal(t, int64(3), moved)

		n, err = store.FailedLength(ctx, job.KindStorageSync)
		require.NoError(t, err)
		require.Zero(t, n)

		// Retried jobs come back pending with a reset retry budget.
		for range failed {
			env, err := store.DequeueNext(ctx, job.KindStorageSync)
			require.NoError(t, err)
			require.NotNil(t, env)
			require.Equal(t, job.StatusPending, env.Status)
			require.Zero(t, env.RetryCount)
			require.Empty(t, env.LastError)
		}
	})

	t.Run("Queue Length And Stats", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			enqueue(t, store, job.KindSearchIndex, 0)
		}

		n, err := store.QueueLength(ctx, job.KindSearchIndex)
		require.NoError(t, err)
		require.Equal(t, int64(4), n)

		stats, err := store.Stats(ctx, job.KindSearchIndex)
		require.NoError(t, err)
		require.Equal(t, int64(4), stats.Pending)

		depth, err := store.AggregateDepth(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, depth, int64(4))

		cleared, err := store.Clear(ctx, job.KindSearchIndex)
		require.NoError(t, err)
		require.Equal(t, int64(4), cleared)

		n, err = store.QueueLength(ctx, job.KindSearchIndex)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("Enqueue Rejects Unknown Kind", func(t *testing.T) {
		env, err := job.New(job.KindExtraction, job.ExtractionPayload{FileID: "f"}, 0)
		require.NoError(t, err)
		env.Kind = "bulk-import"
		require.Error(t, store.Enqueue(ctx, env))
	})
}
