package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures a duration and records it into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given observer
// (histogram or summary).
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}

// Elapsed returns the time since the timer was started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
