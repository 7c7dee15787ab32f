package forward

import (
	"context"
	"time"
)

// Timings holds the four request boundaries. Each is a time.Now reading, so
// the durations below come from the monotonic clock.
type Timings struct {
	Start      time.Time // request received
	PreForward time.Time // upstream call about to be issued
	FirstByte  time.Time // upstream response headers arrived
	Done       time.Time // last byte written to the caller
}

// Overhead is auth, admission and body handling.
func (t Timings) Overhead() time.Duration { return since(t.Start, t.PreForward) }

// Upstream is time to first byte from the provider.
func (t Timings) Upstream() time.Duration { return since(t.PreForward, t.FirstByte) }

// Transfer is first byte to completion; near zero for buffered responses.
func (t Timings) Transfer() time.Duration { return since(t.FirstByte, t.Done) }

func (t Timings) Total() time.Duration { return since(t.Start, t.Done) }

func since(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

// Millis renders d as fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type startKey struct{}

func WithStart(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startKey{}, t)
}

// StartTime returns the receive time stored by WithStart, or now.
func StartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
