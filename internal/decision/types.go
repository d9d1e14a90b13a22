package decision

import "time"

// Action is the final per-cycle trading decision.
type Action string

const (
	Hold  Action = "HOLD"
	Long  Action = "LONG"
	Short Action = "SHORT"
	Close Action = "CLOSE"
)

// Side is the currently held position direction.
type Side string

const (
	Flat      Side = "FLAT"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// RuleSignal is the rule-based collaborator's output. Nil when no technical
// setup is present.
type RuleSignal struct {
	Action   Action  `json:"action"`
	Strength int     `json:"strength"` // 1..5
	Leverage int     `json:"leverage"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score,omitempty"`
}

// Oracle action codes on the wire.
const (
	OracleHold  = 0
	OracleLong  = 1
	OracleShort = 2
	OracleClose = 3
)

// OracleDecision is the trained policy's output for the current state vector.
type OracleDecision struct {
	Action     int     `json:"action"`     // 0 HOLD, 1 LONG, 2 SHORT, 3 CLOSE
	Confidence float64 `json:"confidence"` // [0,1]
}

// ToAction maps the wire code to an Action.
func (o OracleDecision) ToAction() Action {
	switch o.Action {
	case OracleLong:
		return Long
	case OracleShort:
		return Short
	case OracleClose:
		return Close
	default:
		return Hold
	}
}

// RegimeKind is the coarse market-condition classification.
type RegimeKind string

const (
	RegimeTrending RegimeKind = "TRENDING"
	RegimeRanging  RegimeKind = "RANGING"
	RegimeHighVol  RegimeKind = "HIGH_VOLATILITY"
)

// Regime carries the classification plus its strategy parameters.
type Regime struct {
	Kind               RegimeKind `json:"kind"`
	Confidence         float64    `json:"confidence"`
	MinSignalStrength  int        `json:"min_signal_strength"`
	LeverageMultiplier float64    `json:"leverage_multiplier"`
	AllowOracleFirst   bool       `json:"allow_oracle_first"`
}

// MarketContext is the single typed view of everything a decision cycle needs.
// Built fresh every cycle from the collaborator feed; never persisted.
type MarketContext struct {
	Symbol    string         `json:"symbol"`
	Close     float64        `json:"close"`
	ATR       float64        `json:"atr"`
	RSI       float64        `json:"rsi"`
	Regime    Regime         `json:"regime"`
	Rule      *RuleSignal    `json:"rule,omitempty"`
	Oracle    OracleDecision `json:"oracle"`
	Timestamp time.Time      `json:"timestamp"`
}

// Signal is the fused decision consumed once by the position manager.
type Signal struct {
	Action   Action
	Leverage int
	Reason   string
}
