package dispatch

import (
	"context"
	"time"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/queue"
)

// HandlerFunc executes one unit of work. Handlers must be idempotent with
// respect to at-least-once delivery: a timed-out execution may still finish
// its side effects out-of-band before the job is retried.
type HandlerFunc func(context.Context, *job.Envelope) error

// Registry maps each job kind to its handler. The dispatcher only services
// kinds present here; jobs of unregistered kinds stay in the queue store for
// manual inspection.
type Registry map[job.Kind]HandlerFunc

// Store is the slice of the queue store adapter the dispatcher depends on.
type Store interface {
	Enqueue(ctx context.Context, env *job.Envelope) error
	DequeueNext(ctx context.Context, kind job.Kind) (*job.Envelope, error)
	QueueLength(ctx context.Context, kind job.Kind) (int64, error)
	AggregateDepth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	ScheduleRetry(ctx context.Context, env *job.Envelope, readyAt time.Time) error
	PromoteDue(ctx context.Context, limit int) (int, error)
	MoveToFailed(ctx context.Context, env *job.Envelope) error
	Stats(ctx context.Context, kind job.Kind) (*queue.QueueStats, error)
}
