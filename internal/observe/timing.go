package observe

import "time"

// Timing records the measured window. Durations use the monotonic clock.
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming starts a window now.
func NewTiming() *Timing {
	return &Timing{StartedAt: time.Now()}
}

// Complete closes the window. Later calls keep the first end time.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
}

// Duration returns the window length, or the running length when still open.
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Seconds is Duration in fractional seconds.
func (t *Timing) Seconds() float64 {
	return t.Duration().Seconds()
}
