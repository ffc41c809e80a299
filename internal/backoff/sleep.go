package backoff

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever is first. It returns
// ctx.Err() when the wait was cut short, and also for an already-finished
// ctx with a zero d.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Remaining returns the time left before ctx's deadline at now. ok is false
// when ctx has no deadline.
func Remaining(ctx context.Context, now time.Time) (left time.Duration, ok bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return deadline.Sub(now), true
}

// FitsDeadline reports whether waiting d from now still ends before ctx's
// deadline. A ctx without a deadline always fits.
func FitsDeadline(ctx context.Context, now time.Time, d time.Duration) bool {
	left, ok := Remaining(ctx, now)
	return !ok || d < left
}
