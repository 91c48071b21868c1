package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClockSleepHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	err := RealClock{}.Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}

func TestRealClockSleepElapses(t *testing.T) {
	t.Parallel()

	if err := (RealClock{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected sleep error: %v", err)
	}
	if (RealClock{}).Now().Location() != time.UTC {
		t.Fatalf("expected UTC clock")
	}
}
