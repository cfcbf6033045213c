package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/config"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/metrics"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/record"
)

const (
	// Budget for store/record writes after a job context has died.
	settleTimeout = 5 * time.Second
	promoteBatch  = 100
	resyncLimit   = 500
)

// Dispatcher is the scheduler: a single tick loop pulling bounded batches
// per kind from the queue store, fanned out over a bounded worker pool. One
// instance per process, owned by the composition root.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     config.Config
	pending *config.Config

	store    Store
	rec      record.Store
	handlers Registry
	metrics  *metrics.Collector
	log      zerolog.Logger

	running atomic.Bool
	inTick  atomic.Bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	jobWG   sync.WaitGroup
	sem     chan struct{}
}

func New(cfg config.Config, store Store, rec record.Store, handlers Registry, coll *metrics.Collector, log zerolog.Logger) *Dispatcher {
	if rec == nil {
		rec = record.Noop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		rec:      rec,
		handlers: handlers,
		metrics:  coll,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Start spins up the tick loop and the retry promoter. Idempotent; pending
// reconfiguration is applied here.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.CompareAndSwap(false, true) {
		return nil
	}

	if d.pending != nil {
		d.cfg = *d.pending
		d.pending = nil
	}

	d.sem = make(chan struct{}, d.cfg.MaxConcurrentJobs)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.loopWG.Add(2)
	go func() {
		defer d.loopWG.Done()
		d.runTicker(runCtx)
	}()
	go func() {
		defer d.loopWG.Done()
		wait.UntilWithContext(runCtx, d.promoteDueRetries, d.cfg.PromoteInterval)
	}()

	d.log.Info().
		Dur("tick", d.cfg.TickInterval).
		Int("batch_size", d.cfg.BatchSize).
		Int("max_concurrent", d.cfg.MaxConcurrentJobs).
		Dur("job_timeout", d.cfg.JobTimeout).
		Msg("dispatcher started")
	return nil
}

// Stop halts ticking and waits for in-flight jobs up to ShutdownTimeout.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.CompareAndSwap(true, false) {
		return nil
	}

	d.cancel()
	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info().Msg("dispatcher stopped, all jobs settled")
		return nil
	case <-time.After(d.cfg.ShutdownTimeout):
		d.log.Warn().Msg("dispatcher stop timed out with jobs still in flight")
		return fmt.Errorf("stop timed out after %v", d.cfg.ShutdownTimeout)
	}
}

func (d *Dispatcher) Restart(ctx context.Context) error {
	if err := d.Stop(); err != nil {
		return err
	}
	return d.Start(ctx)
}

func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Reconfigure stages new tunables; they take effect on the next Start.
func (d *Dispatcher) Reconfigure(t config.Tunables) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.cfg
	if d.pending != nil {
		next = *d.pending
	}
	if err := next.ApplyTunables(t); err != nil {
		return err
	}
	d.pending = &next
	d.log.Info().Interface("tunables", t).Msg("tunables staged, applied on next start")
	return nil
}

func (d *Dispatcher) runTicker(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick firing while the previous batch is still running does
			// nothing; that is the backpressure mechanism.
			if !d.inTick.CompareAndSwap(false, true) {
				continue
			}
			// Tick goroutines count against jobWG so Stop's shutdown wait
			// covers a batch that is still dispatching.
			d.jobWG.Add(1)
			go func() {
				defer d.jobWG.Done()
				defer d.inTick.Store(false)
				d.tick(ctx)
			}()
		}
	}
}

// tick pulls up to BatchSize jobs per registered kind, flattens them into
// one batch, and executes it under the concurrency cap. Waits for the batch
// so that inTick covers the whole cycle.
func (d *Dispatcher) tick(ctx context.Context) {
	var batch []*job.Envelope
	for _, kind := range job.AllKinds() {
		if _, ok := d.handlers[kind]; !ok {
			continue
		}
		for i := 0; i < d.cfg.BatchSize; i++ {
			env, err := d.store.DequeueNext(ctx, kind)
			if err != nil {
				// Store unreachable degrades this kind for the tick only.
				d.log.Error().Err(err).Str("kind", string(kind)).Msg("dequeue failed, skipping kind this tick")
				break
			}
			if env == nil {
				break
			}
			batch = append(batch, env)
		}
	}

	if len(batch) == 0 {
		return
	}

	var batchWG sync.WaitGroup
	for _, env := range batch {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down mid-batch: push undispatched work back.
			d.requeue(env)
			continue
		}

		batchWG.Add(1)
		d.jobWG.Add(1)
		go func(env *job.Envelope) {
			defer func() {
				<-d.sem
				batchWG.Done()
				d.jobWG.Done()
			}()
			d.execute(ctx, env)
		}(env)
	}
	batchWG.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, env *job.Envelope) {
	handler, ok := d.handlers[env.Kind]
	if !ok {
		// Configuration error: fail fast, keep the job around for manual
		// inspection instead of dropping it.
		d.log.Error().Str("kind", string(env.Kind)).Str("job_id", env.ID).
			Msg("no handler for dequeued kind, re-enqueueing")
		d.requeue(env)
		return
	}

	started := time.Now()
	env.Status = job.StatusProcessing
	env.StartedAt = &started
	if env.RecordID != "" {
		if err := d.rec.MarkProcessing(ctx, env.RecordID); err != nil {
			d.log.Warn().Err(err).Str("job_id", env.ID).Msg("mark processing failed")
		}
	}

	// The timeout clock is detached from the run context: a graceful stop
	// waits for in-flight handlers instead of cancelling them, so the retry
	// budget only ever tracks real failures.
	jobCtx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("panic in handler: %v", r)
			}
		}()
		errChan <- handler(jobCtx, env)
	}()

	select {
	case err := <-errChan:
		elapsed := time.Since(started)
		if err == nil {
			d.settleSuccess(env, elapsed, nil)
			return
		}
		if pf, ok := errors.AsPartialFailure(err); ok {
			d.settleSuccess(env, elapsed, pf)
			return
		}
		d.settleFailure(env, elapsed, err, false)
	case <-jobCtx.Done():
		// Only the deadline can fire here. The handler is abandoned, not
		// killed: its side effects may still land out-of-band. Handlers are
		// idempotent for exactly this reason.
		d.settleFailure(env, time.Since(started), &errors.TimeoutError{JobID: env.ID, Timeout: d.cfg.JobTimeout}, true)
	}
}

func (d *Dispatcher) settleSuccess(env *job.Envelope, elapsed time.Duration, pf *errors.PartialFailureError) {
	now := time.Now()
	env.Status = job.StatusCompleted
	env.CompletedAt = &now

	d.metrics.RecordSuccess(elapsed)
	if pf != nil {
		d.metrics.RecordDegraded()
		d.log.Warn().Str("job_id", env.ID).Strs("degraded", pf.Degraded).
			Err(pf.Err).Msg("job completed with degraded sub-operations")
	} else {
		d.log.Debug().Str("job_id", env.ID).Str("kind", string(env.Kind)).
			Dur("elapsed", elapsed).Msg("job completed")
	}

	if env.RecordID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if err := d.rec.MarkCompleted(ctx, env.RecordID); err != nil {
			d.log.Warn().Err(err).Str("job_id", env.ID).Msg("mark completed failed")
		}
	}
}

// settleFailure applies the retry policy: schedule a backoff re-enqueue or,
// once retries are exhausted, mark the job permanently failed.
func (d *Dispatcher) settleFailure(env *job.Envelope, elapsed time.Duration, cause error, timedOut bool) {
	d.metrics.RecordFailure(elapsed, timedOut)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	env.RetryCount++
	env.LastError = cause.Error()

	if env.RetryCount > d.cfg.MaxRetries {
		d.log.Error().Str("job_id", env.ID).Str("kind", string(env.Kind)).
			Int("attempts", env.RetryCount).Err(cause).Bool("timeout", timedOut).
			Msg("retries exhausted, job permanently failed")

		if err := d.store.MoveToFailed(ctx, env); err != nil {
			d.log.Error().Err(err).Str("job_id", env.ID).Msg("move to failed set failed")
		}
		if env.RecordID != "" {
			if err := d.rec.MarkFailed(ctx, env.RecordID, cause.Error()); err != nil {
				d.log.Error().Err(err).Str("job_id", env.ID).Msg("mark failed failed")
			}
		}
		return
	}

	delay := Backoff(d.cfg.RetryDelay, env.RetryCount, d.cfg.MaxRetryDelay)
	env.Status = job.StatusPending
	env.StartedAt = nil

	d.log.Warn().Str("job_id", env.ID).Str("kind", string(env.Kind)).
		Int("retry", env.RetryCount).Dur("backoff", delay).Err(cause).
		Bool("timeout", timedOut).Msg("job failed, retry scheduled")

	if err := d.store.ScheduleRetry(ctx, env, time.Now().Add(delay)); err != nil {
		d.log.Error().Err(err).Str("job_id", env.ID).Msg("schedule retry failed")
	}
}

func (d *Dispatcher) requeue(env *job.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	env.Status = job.StatusPending
	if err := d.store.Enqueue(ctx, env); err != nil {
		d.log.Error().Err(err).Str("job_id", env.ID).Msg("re-enqueue failed")
	}
}

func (d *Dispatcher) promoteDueRetries(ctx context.Context) {
	for {
		n, err := d.store.PromoteDue(ctx, promoteBatch)
		if err != nil {
			d.log.Error().Err(err).Msg("promoting due retries failed")
			return
		}
		if n < promoteBatch {
			return
		}
	}
}

// ResyncPending force-enqueues every pending system-of-record job into the
// queue store. Used after a restart or queue-store flush to resynchronize.
func (d *Dispatcher) ResyncPending(ctx context.Context) (int, error) {
	var total int
	for _, kind := range job.AllKinds() {
		if _, ok := d.handlers[kind]; !ok {
			continue
		}
		pending, err := d.rec.GetPendingJobs(ctx, kind, resyncLimit)
		if err != nil {
			return total, fmt.Errorf("fetch pending %s jobs: %w", kind, err)
		}
		for _, pj := range pending {
			env := &job.Envelope{
				ID:        uuid.New().String(),
				Kind:      pj.Kind,
				Payload:   pj.Payload,
				Priority:  pj.Priority,
				Status:    job.StatusPending,
				CreatedAt: time.Now().UTC(),
				RecordID:  pj.ID,
			}
			if err := d.store.Enqueue(ctx, env); err != nil {
				return total, err
			}
			total++
		}
	}
	d.log.Info().Int("enqueued", total).Msg("resynced pending record jobs")
	return total, nil
}

type StatusReport struct {
	Running bool                           `json:"running"`
	Queues  map[job.Kind]*queue.QueueStats `json:"queues"`
	Metrics metrics.Snapshot               `json:"metrics"`
	Health  metrics.Report                 `json:"health"`
}

// Status assembles the administrative snapshot: running flag, per-kind
// depth, counters, and the health verdict with its issue list.
func (d *Dispatcher) Status(ctx context.Context) StatusReport {
	queues := make(map[job.Kind]*queue.QueueStats, len(job.AllKinds()))
	var aggregate int64
	for _, kind := range job.AllKinds() {
		stats, err := d.store.Stats(ctx, kind)
		if err != nil {
			d.log.Warn().Err(err).Str("kind", string(kind)).Msg("stats unavailable")
			stats = &queue.QueueStats{}
		}
		queues[kind] = stats
		aggregate += stats.Pending
	}

	snap := d.metrics.Snapshot()
	report := metrics.Health(metrics.HealthInput{
		DispatcherRunning: d.Running(),
		StorePingErr:      d.store.Ping(ctx),
		AggregateDepth:    aggregate,
		DepthWarning:      d.cfg.DepthWarning,
		DepthCritical:     d.cfg.DepthCritical,
		Processed:         snap.Processed,
		FailureRatio:      snap.FailureRatio,
	})

	return StatusReport{
		Running: d.Running(),
		Queues:  queues,
		Metrics: snap,
		Health:  report,
	}
}
