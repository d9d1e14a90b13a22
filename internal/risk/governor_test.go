package risk

import (
	"testing"
	"time"

	"github.com/perpkit/perpbot/internal/exchange"
)

func snap(balance float64) exchange.AccountSnapshot {
	return exchange.AccountSnapshot{
		Balance:       balance,
		MarginBalance: balance,
		UpdatedAt:     time.Now(),
	}
}

func TestGovernorDailyLossLimit(t *testing.T) {
	g := NewGovernor(GovernorConfig{DailyLossLimitUSD: 50, MaxMarginRatio: 0.8})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	v := g.Check(snap(1000), now)
	if !v.Allowed || v.Status != StatusNormal {
		t.Fatalf("first check should pass, got %+v", v)
	}

	v = g.Check(snap(940), now.Add(15*time.Minute))
	if v.Allowed {
		t.Fatalf("loss of 60 against limit 50 must deny, got %+v", v)
	}
	if v.Status != StatusStopped {
		t.Fatalf("expected STOPPED, got %s", v.Status)
	}

	// STOPPED latches even if balance recovers.
	v = g.Check(snap(1010), now.Add(30*time.Minute))
	if v.Allowed || v.Status != StatusStopped {
		t.Fatalf("STOPPED must latch, got %+v", v)
	}

	g.Restart()
	v = g.Check(snap(1010), now.Add(45*time.Minute))
	if !v.Allowed {
		t.Fatalf("restart must lift STOPPED, got %+v", v)
	}
}

func TestGovernorDayRollover(t *testing.T) {
	g := NewGovernor(GovernorConfig{DailyLossLimitUSD: 50, MaxMarginRatio: 0.8})
	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	g.Check(snap(1000), day1)
	v := g.Check(snap(960), day1.Add(30*time.Minute))
	if !v.Allowed {
		t.Fatalf("loss of 40 under limit 50 should pass, got %+v", v)
	}

	// New UTC day re-baselines from the live balance; yesterday's 40 is gone.
	day2 := day1.Add(2 * time.Hour)
	v = g.Check(snap(960), day2)
	if !v.Allowed {
		t.Fatalf("rollover must reset the baseline, got %+v", v)
	}
	v = g.Check(snap(920), day2.Add(time.Hour))
	if !v.Allowed {
		t.Fatalf("intraday loss of 40 on day 2 should pass, got %+v", v)
	}
}

func TestGovernorMarginSoftBrake(t *testing.T) {
	g := NewGovernor(GovernorConfig{DailyLossLimitUSD: 500, MaxMarginRatio: 0.8})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	s := snap(1000)
	s.MaintMargin = 850
	v := g.Check(s, now)
	if v.Allowed {
		t.Fatalf("margin ratio 0.85 over 0.8 must deny, got %+v", v)
	}
	if v.Status != StatusWarning {
		t.Fatalf("margin brake is a warning, not a stop, got %s", v.Status)
	}

	// Warning does not latch.
	s.MaintMargin = 100
	v = g.Check(s, now.Add(time.Minute))
	if !v.Allowed || v.Status != StatusNormal {
		t.Fatalf("recovered margin must pass, got %+v", v)
	}
}

func TestGovernorKillSwitch(t *testing.T) {
	g := NewGovernor(GovernorConfig{DailyLossLimitUSD: 500, MaxMarginRatio: 0.8})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	g.SetKillSwitch(true)
	if v := g.Check(snap(1000), now); v.Allowed {
		t.Fatalf("kill switch must deny, got %+v", v)
	}
	g.SetKillSwitch(false)
	if v := g.Check(snap(1000), now.Add(time.Minute)); !v.Allowed {
		t.Fatalf("cleared kill switch must pass, got %+v", v)
	}
}
