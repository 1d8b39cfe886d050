package session

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"
)

// Clock abstracts wall-clock time so the timing decorator can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

// Timed wraps fn so that, when the body returns without error, the elapsed
// wall-clock time is printed to out as
//
//	Session ran in 3723 seconds (1:02:03)
//
// The decorator never changes fn's result.
func Timed(fn Func, clock Clock, out io.Writer) Func {
	return func(ctx context.Context, s *Session) error {
		start := clock.Now()
		if err := fn(ctx, s); err != nil {
			return err
		}
		elapsed := clock.Now().Sub(start)
		fmt.Fprintf(out, "Session ran in %d seconds (%s)\n", RoundSeconds(elapsed), FormatDuration(elapsed))
		return nil
	}
}

// RoundSeconds rounds d to whole seconds, halves to even.
func RoundSeconds(d time.Duration) int64 {
	return int64(math.RoundToEven(d.Seconds()))
}

// FormatDuration renders d as H:MM:SS after rounding to whole seconds.
// Hours are not zero-padded and are not capped at 24.
func FormatDuration(d time.Duration) string {
	total := RoundSeconds(d)
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}
