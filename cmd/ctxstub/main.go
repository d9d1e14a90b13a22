// ctxstub is a stand-in for the collaborator context service, for local dry
// runs against the testnet. It classifies the regime from candle range,
// derives a toy rule signal from the candle body, and answers oracle HOLD, so
// the bot exercises its full pipeline without a real model behind it.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"net/http"
	"sync"
)

type candleIn struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

type regimeOut struct {
	Kind               string  `json:"kind"`
	Confidence         float64 `json:"confidence"`
	MinSignalStrength  int     `json:"min_signal_strength"`
	LeverageMultiplier float64 `json:"leverage_multiplier"`
	AllowOracleFirst   bool    `json:"allow_oracle_first"`
}

type ruleOut struct {
	Action   string  `json:"action"`
	Strength int     `json:"strength"`
	Leverage int     `json:"leverage"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
}

type oracleOut struct {
	Action     int     `json:"action"`
	Confidence float64 `json:"confidence"`
}

type contextOut struct {
	Close  float64   `json:"close"`
	ATR    float64   `json:"atr"`
	RSI    float64   `json:"rsi"`
	Regime regimeOut `json:"regime"`
	Rule   *ruleOut  `json:"rule,omitempty"`
	Oracle oracleOut `json:"oracle"`
}

// atrTracker keeps a crude per-symbol EMA of candle ranges so the stub's ATR
// is stable enough for bracket placement.
type atrTracker struct {
	mu   sync.Mutex
	vals map[string]float64
}

func (a *atrTracker) update(symbol string, tr float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.vals[symbol]
	if !ok {
		a.vals[symbol] = tr
		return tr
	}
	next := prev*0.9 + tr*0.1
	a.vals[symbol] = next
	return next
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8091", "listen address")
	flag.Parse()

	atr := &atrTracker{vals: map[string]float64{}}

	http.HandleFunc("/v1/context", func(w http.ResponseWriter, r *http.Request) {
		var c candleIn
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tr := c.High - c.Low
		avg := atr.update(c.Symbol, tr)

		out := contextOut{
			Close:  c.Close,
			ATR:    avg,
			RSI:    50,
			Oracle: oracleOut{Action: 0, Confidence: 0.5},
		}

		// Wide candles read as high volatility, everything else as ranging
		// with trending reserved for decisive bodies.
		body := c.Close - c.Open
		switch {
		case avg > 0 && tr > 2.5*avg:
			out.Regime = regimeOut{Kind: "HIGH_VOLATILITY", Confidence: 0.7, MinSignalStrength: 4, LeverageMultiplier: 0.5}
		case math.Abs(body) > 0.6*tr && tr > 0:
			out.Regime = regimeOut{Kind: "TRENDING", Confidence: 0.7, MinSignalStrength: 2, LeverageMultiplier: 1.0, AllowOracleFirst: true}
		default:
			out.Regime = regimeOut{Kind: "RANGING", Confidence: 0.6, MinSignalStrength: 3, LeverageMultiplier: 0.8}
		}

		if tr > 0 && math.Abs(body) > 0.6*tr {
			action := "LONG"
			if body < 0 {
				action = "SHORT"
			}
			out.Rule = &ruleOut{
				Action:   action,
				Strength: 3,
				Leverage: 3,
				Reason:   "candle-body-momentum",
				Score:    math.Abs(body) / tr,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	log.Printf("ctxstub listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
