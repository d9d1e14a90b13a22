package risk

import (
	"sync"
	"time"

	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/observ"
)

// Status is the account-level risk state.
type Status string

const (
	StatusNormal  Status = "NORMAL"
	StatusWarning Status = "WARNING"
	StatusStopped Status = "STOPPED"
)

// GovernorConfig holds the per-account limits. Updatable at runtime through
// the operator surface.
type GovernorConfig struct {
	DailyLossLimitUSD float64
	MaxMarginRatio    float64
}

// Verdict is the outcome of one pre-cycle risk check.
type Verdict struct {
	Allowed bool
	Status  Status
	Reason  string
}

// Governor gates every decision cycle on account health. It has no memory
// beyond its state struct, so re-running a check is always safe; the daily
// start balance is re-initialized once per UTC calendar day from the live
// account balance.
type Governor struct {
	mu  sync.RWMutex
	cfg GovernorConfig

	day               string // YYYY-MM-DD of dailyStartBalance
	dailyStartBalance float64
	currentDailyLoss  float64
	lastMarginRatio   float64
	status            Status
	killSwitch        bool
}

func NewGovernor(cfg GovernorConfig) *Governor {
	return &Governor{cfg: cfg, status: StatusNormal}
}

// Check evaluates the account snapshot against the limits. A STOPPED verdict
// latches: the loop fully stops and only an explicit Restart lifts it.
func (g *Governor) Check(snap exchange.AccountSnapshot, now time.Time) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	if g.day != day {
		g.day = day
		g.dailyStartBalance = snap.Balance
		g.currentDailyLoss = 0
		if g.status == StatusWarning {
			g.status = StatusNormal
		}
		observ.Log("risk_day_reset", map[string]any{
			"day": day, "start_balance": snap.Balance,
		})
	}

	if g.killSwitch {
		return Verdict{Allowed: false, Status: g.status, Reason: "kill_switch"}
	}
	if g.status == StatusStopped {
		return Verdict{Allowed: false, Status: StatusStopped, Reason: "daily_loss_limit"}
	}

	loss := g.dailyStartBalance - snap.Balance
	if loss < 0 {
		loss = 0
	}
	g.currentDailyLoss = loss
	observ.SetGauge("risk_daily_loss_usd", loss, nil)

	if loss >= g.cfg.DailyLossLimitUSD {
		g.status = StatusStopped
		observ.IncCounter("risk_daily_stop_total", nil)
		return Verdict{Allowed: false, Status: StatusStopped, Reason: "daily_loss_limit"}
	}

	marginRatio := 0.0
	if snap.MarginBalance > 0 {
		marginRatio = snap.MaintMargin / snap.MarginBalance
	}
	g.lastMarginRatio = marginRatio
	observ.SetGauge("risk_margin_ratio", marginRatio, nil)

	if marginRatio >= g.cfg.MaxMarginRatio {
		// Soft brake: block new entries, leave open positions alone.
		g.status = StatusWarning
		return Verdict{Allowed: false, Status: StatusWarning, Reason: "margin_ratio"}
	}

	g.status = StatusNormal
	return Verdict{Allowed: true, Status: StatusNormal}
}

// SetKillSwitch toggles the manual operator override.
func (g *Governor) SetKillSwitch(on bool) {
	g.mu.Lock()
	g.killSwitch = on
	g.mu.Unlock()
	observ.Log("kill_switch", map[string]any{"on": on})
}

// Restart clears a latched STOPPED state. Operator action only.
func (g *Governor) Restart() {
	g.mu.Lock()
	if g.status == StatusStopped {
		g.status = StatusNormal
	}
	g.mu.Unlock()
	observ.Log("risk_restart", nil)
}

// UpdateConfig swaps the limits at runtime.
func (g *Governor) UpdateConfig(cfg GovernorConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	observ.Log("risk_config_updated", map[string]any{
		"daily_loss_limit_usd": cfg.DailyLossLimitUSD,
		"max_margin_ratio":     cfg.MaxMarginRatio,
	})
}

// Snapshot returns the current state for status/reporting. Readers tolerate
// staleness; the decision cycle is the only writer.
func (g *Governor) Snapshot() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]any{
		"status":              string(g.status),
		"kill_switch":         g.killSwitch,
		"daily_start_balance": g.dailyStartBalance,
		"current_daily_loss":  g.currentDailyLoss,
		"last_margin_ratio":   g.lastMarginRatio,
		"daily_loss_limit":    g.cfg.DailyLossLimitUSD,
	}
}
