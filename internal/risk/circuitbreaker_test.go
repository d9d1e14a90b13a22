package risk

import (
	"testing"
	"time"
)

func TestLossBreakerTripsOnWindowSum(t *testing.T) {
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	b := NewLossBreaker(BreakerConfig{Window: time.Hour, ThresholdPct: 2.0, Pause: 30 * time.Minute})
	b.now = func() time.Time { return clock }

	b.Record(1.2)
	if b.IsPaused() {
		t.Fatal("1.2% alone must not trip a 2.0% threshold")
	}

	clock = clock.Add(10 * time.Minute)
	b.Record(0.9)
	if !b.IsPaused() {
		t.Fatal("1.2 + 0.9 = 2.1% must trip immediately")
	}

	// Still paused just before the pause expires.
	clock = clock.Add(29 * time.Minute)
	if !b.IsPaused() {
		t.Fatal("pause must hold for its full duration")
	}

	clock = clock.Add(2 * time.Minute)
	if b.IsPaused() {
		t.Fatal("pause must lift after the configured duration")
	}
}

func TestLossBreakerEvictsOldLosses(t *testing.T) {
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	b := NewLossBreaker(BreakerConfig{Window: time.Hour, ThresholdPct: 2.0, Pause: 30 * time.Minute})
	b.now = func() time.Time { return clock }

	b.Record(1.5)
	clock = clock.Add(61 * time.Minute)
	b.Record(1.0)
	if b.IsPaused() {
		t.Fatal("the 1.5% loss left the window; 1.0% alone must not trip")
	}
	if got := b.WindowLoss(); got != 1.0 {
		t.Fatalf("window loss = %v, want 1.0", got)
	}
}

func TestLossBreakerIgnoresNonLosses(t *testing.T) {
	b := NewLossBreaker(BreakerConfig{Window: time.Hour, ThresholdPct: 2.0, Pause: 30 * time.Minute})
	b.Record(0)
	b.Record(-3.5)
	if got := b.WindowLoss(); got != 0 {
		t.Fatalf("wins and zero results must not be recorded, window loss = %v", got)
	}
}

func TestLossBreakerPausedUntil(t *testing.T) {
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	b := NewLossBreaker(BreakerConfig{Window: time.Hour, ThresholdPct: 2.0, Pause: 30 * time.Minute})
	b.now = func() time.Time { return clock }

	if !b.PausedUntil().IsZero() {
		t.Fatal("no trip yet, PausedUntil must be zero")
	}
	b.Record(2.5)
	if !b.IsPaused() {
		t.Fatal("2.5% over 2.0% must trip")
	}
	want := clock.Add(30 * time.Minute)
	if got := b.PausedUntil(); !got.Equal(want) {
		t.Fatalf("PausedUntil = %v, want %v", got, want)
	}
}
