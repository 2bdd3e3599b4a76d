package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"*/5 * * * *", "0 9 * * 1-5", "@every 1m", "@hourly"} {
		if err := ValidateSpec(spec); err != nil {
			t.Fatalf("%q: unexpected error %v", spec, err)
		}
	}
	for _, spec := range []string{"", "* * *", "61 * * * *"} {
		if err := ValidateSpec(spec); err == nil {
			t.Fatalf("%q: expected error", spec)
		}
	}
}

func TestNextUsesLocation(t *testing.T) {
	t.Parallel()

	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := NewCronScheduler("15 9 * * *", ist)
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 15, 0, 0, ist)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	t.Parallel()

	s := NewCronScheduler("0 0 1 1 *", time.UTC, WithRunOnStart())
	fired := make(chan time.Time, 1)
	if err := s.Start(context.Background(), func(at time.Time) { fired <- at }); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}

	if err := s.Start(context.Background(), func(time.Time) {}); err == nil {
		t.Fatal("expected error on second start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := NewCronScheduler("nonsense", nil).Start(context.Background(), func(time.Time) {}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if err := NewCronScheduler("@hourly", nil).Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}
