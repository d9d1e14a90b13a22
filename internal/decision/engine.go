package decision

import (
	"fmt"
	"math"

	"github.com/perpkit/perpbot/internal/observ"
)

// Config holds the fusion engine's leverage policy.
type Config struct {
	DefaultLeverage int
	ManualLeverage  int // >0 replaces all derived leverage
	MaxLeverage     int
}

// Engine fuses the rule signal, the oracle and the regime into one action.
//
// The rule is the captain and the oracle the validator: the oracle can veto a
// weak opposing rule entry or independently close exposure, but it can never
// force a new position against strong technical evidence. That asymmetry
// bounds the damage a miscalibrated policy can do.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 3
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 10
	}
	return &Engine{cfg: cfg}
}

// Decide produces the final action for one cycle.
func (e *Engine) Decide(rule *RuleSignal, oracle OracleDecision, regime Regime, held Side) Signal {
	// Regime veto: too weak a setup for current conditions.
	if rule != nil && rule.Strength < regime.MinSignalStrength {
		observ.IncCounter("decision_regime_vetoes_total", nil)
		rule = nil
	}

	oracleAction := oracle.ToAction()

	if rule != nil && (rule.Action == Long || rule.Action == Short) {
		if opposes(oracleAction, rule.Action) && rule.Strength < 3 {
			observ.IncCounter("decision_oracle_blocks_total", nil)
			return Signal{Action: Hold, Reason: "oracle-blocked"}
		}
		lev := e.leverage(float64(rule.Leverage) * regime.LeverageMultiplier)
		return Signal{
			Action:   rule.Action,
			Leverage: lev,
			Reason:   rule.Reason,
		}
	}

	// No (surviving) rule signal: the oracle may act alone only where the
	// regime permits entries, and may always close.
	switch {
	case (oracleAction == Long || oracleAction == Short) && regime.AllowOracleFirst:
		lev := e.leverage(float64(e.cfg.DefaultLeverage) * regime.LeverageMultiplier)
		return Signal{
			Action:   oracleAction,
			Leverage: lev,
			Reason:   fmt.Sprintf("oracle-first conf=%.2f", oracle.Confidence),
		}
	case held != Flat && oracleAction == Close:
		// Exits are never blocked by regime or rule logic.
		return Signal{Action: Close, Reason: fmt.Sprintf("oracle-close conf=%.2f", oracle.Confidence)}
	}

	return Signal{Action: Hold, Reason: "no-signal"}
}

// leverage applies the manual override and clamps to [1, max].
func (e *Engine) leverage(derived float64) int {
	if e.cfg.ManualLeverage > 0 {
		return min(e.cfg.ManualLeverage, e.cfg.MaxLeverage)
	}
	lev := int(math.Round(derived))
	if lev < 1 {
		lev = 1
	}
	if lev > e.cfg.MaxLeverage {
		lev = e.cfg.MaxLeverage
	}
	return lev
}

func opposes(a, b Action) bool {
	return (a == Long && b == Short) || (a == Short && b == Long)
}
