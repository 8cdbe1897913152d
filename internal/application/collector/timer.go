package collector

import "time"

// Timer measures elapsed time from a fixed start.
type Timer struct {
	start time.Time
	now   func() time.Time
}

// NewTimer starts a timer at start. A zero start means now.
func NewTimer(start time.Time, now func() time.Time) Timer {
	if now == nil {
		now = time.Now
	}
	if start.IsZero() {
		start = now()
	}
	return Timer{start: start, now: now}
}

// Start returns the reference point of the timer.
func (t Timer) Start() time.Time { return t.start }

// Elapsed returns the time since start.
func (t Timer) Elapsed() time.Duration { return t.now().Sub(t.start) }

// ElapsedMilliseconds returns the time since start in fractional milliseconds.
func (t Timer) ElapsedMilliseconds() float64 {
	return float64(t.Elapsed()) / float64(time.Millisecond)
}
