package decision

import (
	"math"
	"testing"
)

func TestNotionalFloor(t *testing.T) {
	cfg := SizingConfig{PositionRatio: 0.1, MinNotionalUSD: 100}
	if got := Notional(cfg, 5000); got != 500 {
		t.Fatalf("10%% of 5000 = %v, want 500", got)
	}
	if got := Notional(cfg, 500); got != 100 {
		t.Fatalf("small balance must hit the floor, got %v", got)
	}
}

func TestQuantityRoundsDownToStep(t *testing.T) {
	qty, err := Quantity(500, 43211.5, 0.001, 0.001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 500/43211.5 = 0.011570... floored to 0.011
	if math.Abs(qty-0.011) > 1e-12 {
		t.Fatalf("qty = %v, want 0.011", qty)
	}
}

func TestQuantityRejectsBelowMinimum(t *testing.T) {
	if _, err := Quantity(10, 43211.5, 0.001, 0.001); err == nil {
		t.Fatal("notional too small for a whole step must error")
	}
	if _, err := Quantity(500, 0, 0.001, 0.001); err == nil {
		t.Fatal("zero price must error")
	}
}
