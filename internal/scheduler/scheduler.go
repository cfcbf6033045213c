package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Resyncer is the dispatcher operation the schedule drives: force-enqueue
// pending system-of-record jobs back into the queue store.
type Resyncer interface {
	ResyncPending(ctx context.Context) (int, error)
}

// Scheduler periodically resynchronizes the queue store from the system of
// record, covering the "scheduled sync" producer and drift after crashes.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func ValidateSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

// NextRun returns when the given spec fires next after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func New(spec string, target Resyncer, log zerolog.Logger) (*Scheduler, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cron: cron.New(cron.WithParser(specParser)),
		log:  log.With().Str("component", "scheduler").Logger(),
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := target.ResyncPending(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("scheduled resync failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("enqueued", n).Msg("scheduled resync enqueued pending jobs")
		}
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running resync to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
