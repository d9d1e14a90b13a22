package decision

import "testing"

func trendingRegime() Regime {
	return Regime{
		Kind:               RegimeTrending,
		Confidence:         0.8,
		MinSignalStrength:  2,
		LeverageMultiplier: 1.0,
		AllowOracleFirst:   false,
	}
}

func TestDecideOracleVetoOfWeakRule(t *testing.T) {
	e := NewEngine(Config{DefaultLeverage: 3, MaxLeverage: 10})
	oracleShort := OracleDecision{Action: OracleShort, Confidence: 0.9}

	weak := &RuleSignal{Action: Long, Strength: 2, Leverage: 3, Reason: "breakout"}
	sig := e.Decide(weak, oracleShort, trendingRegime(), Flat)
	if sig.Action != Hold || sig.Reason != "oracle-blocked" {
		t.Fatalf("weak opposing rule must be blocked, got %+v", sig)
	}

	strong := &RuleSignal{Action: Long, Strength: 4, Leverage: 3, Reason: "breakout"}
	sig = e.Decide(strong, oracleShort, trendingRegime(), Flat)
	if sig.Action != Long {
		t.Fatalf("strong rule must survive an opposing oracle, got %+v", sig)
	}
}

func TestDecideRegimeVeto(t *testing.T) {
	e := NewEngine(Config{DefaultLeverage: 3, MaxLeverage: 10})
	regime := trendingRegime()
	regime.MinSignalStrength = 4

	rule := &RuleSignal{Action: Long, Strength: 3, Leverage: 3, Reason: "breakout"}
	sig := e.Decide(rule, OracleDecision{Action: OracleHold}, regime, Flat)
	if sig.Action != Hold {
		t.Fatalf("rule below regime minimum strength must not trade, got %+v", sig)
	}
}

func TestDecideOracleFirstEntry(t *testing.T) {
	e := NewEngine(Config{DefaultLeverage: 3, MaxLeverage: 10})
	oracle := OracleDecision{Action: OracleLong, Confidence: 0.85}

	regime := trendingRegime()
	sig := e.Decide(nil, oracle, regime, Flat)
	if sig.Action != Hold {
		t.Fatalf("oracle alone must not enter when the regime forbids it, got %+v", sig)
	}

	regime.AllowOracleFirst = true
	sig = e.Decide(nil, oracle, regime, Flat)
	if sig.Action != Long {
		t.Fatalf("oracle-first entry expected, got %+v", sig)
	}
	if sig.Leverage != 3 {
		t.Fatalf("oracle-first leverage = default x multiplier = 3, got %d", sig.Leverage)
	}
}

func TestDecideOracleCloseNeverBlocked(t *testing.T) {
	e := NewEngine(Config{DefaultLeverage: 3, MaxLeverage: 10})
	oracle := OracleDecision{Action: OracleClose, Confidence: 0.7}

	// High-volatility regime with entries effectively off.
	regime := Regime{Kind: RegimeHighVol, MinSignalStrength: 5, LeverageMultiplier: 0.5}
	sig := e.Decide(nil, oracle, regime, SideLong)
	if sig.Action != Close {
		t.Fatalf("close of an open position must never be blocked, got %+v", sig)
	}

	sig = e.Decide(nil, oracle, regime, Flat)
	if sig.Action != Hold {
		t.Fatalf("close with nothing held is a hold, got %+v", sig)
	}
}

func TestDecideLeveragePolicy(t *testing.T) {
	cases := []struct {
		name     string
		cfg      Config
		rule     RuleSignal
		regime   Regime
		expected int
	}{
		{
			name:     "regime_multiplier_applied",
			cfg:      Config{DefaultLeverage: 3, MaxLeverage: 10},
			rule:     RuleSignal{Action: Long, Strength: 4, Leverage: 4},
			regime:   Regime{MinSignalStrength: 1, LeverageMultiplier: 0.5},
			expected: 2,
		},
		{
			name:     "clamped_to_max",
			cfg:      Config{DefaultLeverage: 3, MaxLeverage: 5},
			rule:     RuleSignal{Action: Short, Strength: 5, Leverage: 8},
			regime:   Regime{MinSignalStrength: 1, LeverageMultiplier: 1.5},
			expected: 5,
		},
		{
			name:     "manual_override",
			cfg:      Config{DefaultLeverage: 3, ManualLeverage: 2, MaxLeverage: 10},
			rule:     RuleSignal{Action: Long, Strength: 5, Leverage: 8},
			regime:   Regime{MinSignalStrength: 1, LeverageMultiplier: 2.0},
			expected: 2,
		},
		{
			name:     "floor_of_one",
			cfg:      Config{DefaultLeverage: 3, MaxLeverage: 10},
			rule:     RuleSignal{Action: Long, Strength: 4, Leverage: 1},
			regime:   Regime{MinSignalStrength: 1, LeverageMultiplier: 0.1},
			expected: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(tc.cfg)
			sig := e.Decide(&tc.rule, OracleDecision{Action: OracleHold}, tc.regime, Flat)
			if sig.Action != tc.rule.Action {
				t.Fatalf("action = %s, want %s", sig.Action, tc.rule.Action)
			}
			if sig.Leverage != tc.expected {
				t.Fatalf("leverage = %d, want %d", sig.Leverage, tc.expected)
			}
		})
	}
}

func TestDecideNoSignalHolds(t *testing.T) {
	e := NewEngine(Config{DefaultLeverage: 3, MaxLeverage: 10})
	sig := e.Decide(nil, OracleDecision{Action: OracleHold}, trendingRegime(), Flat)
	if sig.Action != Hold || sig.Reason != "no-signal" {
		t.Fatalf("nothing to act on must hold, got %+v", sig)
	}
}
