package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/scheduler"
)

type fakeResyncer struct {
	calls atomic.Int32
}

func (f *fakeResyncer) ResyncPending(context.Context) (int, error) {
	f.calls.Add(1)
	return 3, nil
}

func TestValidateSpec(t *testing.T) {
	for _, spec := range []string{"@every 15m", "@hourly", "*/5 * * * *", "0 3 * * 1"} {
		assert.NoError(t, scheduler.ValidateSpec(spec), spec)
	}
	for _, spec := range []string{"", "every 15 minutes", "* * *"} {
		assert.Error(t, scheduler.ValidateSpec(spec), spec)
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 11, 7, 0, 0, time.UTC)

	next, err := scheduler.NextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), next)

	_, err = scheduler.NextRun("bogus", from)
	require.Error(t, err)
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	_, err := scheduler.New("not a schedule", &fakeResyncer{}, zerolog.Nop())
	require.Error(t, err)
}

func TestScheduler_FiresResync(t *testing.T) {
	target := &fakeResyncer{}
	s, err := scheduler.New("@every 1s", target, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return target.calls.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}
