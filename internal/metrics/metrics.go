package metrics

import (
	"sync/atomic"
	"time"
)

// Collector keeps rolling in-process counters for the dispatcher. All fields
// are atomics; snapshots are cheap enough to build on every status request.
type Collector struct {
	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	degraded   atomic.Int64
	timeouts   atomic.Int64
	durationNs atomic.Int64
	startedAt  time.Time
}

func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

func (c *Collector) RecordSuccess(d time.Duration) {
	c.processed.Add(1)
	c.succeeded.Add(1)
	c.durationNs.Add(int64(d))
}

func (c *Collector) RecordFailure(d time.Duration, timedOut bool) {
	c.processed.Add(1)
	c.failed.Add(1)
	c.durationNs.Add(int64(d))
	if timedOut {
		c.timeouts.Add(1)
	}
}

// RecordDegraded marks a success that reported degraded sub-operations.
func (c *Collector) RecordDegraded() {
	c.degraded.Add(1)
}

type Snapshot struct {
	Processed        int64         `json:"processed"`
	Succeeded        int64         `json:"succeeded"`
	Failed           int64         `json:"failed"`
	Degraded         int64         `json:"degraded"`
	Timeouts         int64         `json:"timeouts"`
	AvgProcessing    time.Duration `json:"avg_processing_ns"`
	Uptime           time.Duration `json:"uptime_ns"`
	ThroughputPerMin float64       `json:"throughput_per_min"`
	FailureRatio     float64       `json:"failure_ratio"`
}

func (c *Collector) Snapshot() Snapshot {
	processed := c.processed.Load()
	failed := c.failed.Load()
	uptime := time.Since(c.startedAt)

	var avg time.Duration
	if processed > 0 {
		avg = time.Duration(c.durationNs.Load() / processed)
	}

	var throughput float64
	if mins := uptime.Minutes(); mins > 0 {
		throughput = float64(processed) / mins
	}

	var ratio float64
	if processed > 0 {
		ratio = float64(failed) / float64(processed)
	}

	return Snapshot{
		Processed:        processed,
		Succeeded:        c.succeeded.Load(),
		Failed:           failed,
		Degraded:         c.degraded.Load(),
		Timeouts:         c.timeouts.Load(),
		AvgProcessing:    avg,
		Uptime:           uptime,
		ThroughputPerMin: throughput,
		FailureRatio:     ratio,
	}
}

type Verdict string

const (
	Healthy   Verdict = "healthy"
	Degraded  Verdict = "degraded"
	Unhealthy Verdict = "unhealthy"
)

type HealthInput struct {
	DispatcherRunning bool
	StorePingErr      error
	AggregateDepth    int64
	DepthWarning      int64
	DepthCritical     int64
	Processed         int64
	FailureRatio      float64
}

type Report struct {
	Verdict Verdict  `json:"verdict"`
	Issues  []string `json:"issues"`
}

// minSampleSize guards the failure-ratio band against flapping on the first
// few jobs after startup.
const minSampleSize = 20

// Health is a pure function from observed state to a verdict plus the issues
// that justified it. The verdict is never reported without its issue list.
func Health(in HealthInput) Report {
	issues := []string{}
	verdict := Healthy

	if in.StorePingErr != nil {
		verdict = Unhealthy
		issues = append(issues, "queue store unreachable: "+in.StorePingErr.Error())
	}

	if !in.DispatcherRunning {
		if verdict == Healthy {
			verdict = Degraded
		}
		issues = append(issues, "dispatcher is not running")
	}

	switch {
	case in.AggregateDepth >= in.DepthCritical && in.DepthCritical > 0:
		if verdict == Healthy {
			verdict = Degraded
		}
		issues = append(issues, "aggregate queue depth above critical threshold")
	case in.AggregateDepth >= in.DepthWarning && in.DepthWarning > 0:
		issues = append(issues, "aggregate queue depth above warning threshold")
	}

	if in.Processed >= minSampleSize && in.FailureRatio > 0.10 {
		if verdict == Healthy {
			verdict = Degraded
		}
		issues = append(issues, "failure ratio above 10%")
	}

	return Report{Verdict: verdict, Issues: issues}
}
