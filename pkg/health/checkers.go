package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines run.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck fails when any recent GC pause exceeds threshold.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)
		for _, pause := range stats.Pause {
			if pause > threshold {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, threshold)
			}
		}
		return nil
	}
}

// NonEmptyCheck fails when count reports zero, for example an unloaded
// catalog.
func NonEmptyCheck(what string, count func() int) CheckFunc {
	return func(context.Context) error {
		if count() == 0 {
			return errors.Errorf("%s is empty", what)
		}
		return nil
	}
}

// FreshnessCheck fails when last reports a time older than maxAge, for
// example a background worker that stopped ticking. A zero time means the
// worker has not started yet and passes.
func FreshnessCheck(what string, last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		at := last()
		if at.IsZero() {
			return nil
		}
		if age := time.Since(at); age > maxAge {
			return errors.Errorf("%s last ran %s ago, limit %s", what, age.Truncate(time.Millisecond), maxAge)
		}
		return nil
	}
}
