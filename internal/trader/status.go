package trader

import (
	"time"
)

// Status assembles the operator-facing snapshot. Safe to call from any
// goroutine; everything it touches is either atomic or copied under its
// owner's lock.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	prices := make(map[string]float64, len(s.lastPrice))
	for k, v := range s.lastPrice {
		prices[k] = v
	}
	startedAt := s.startedAt
	lastCycleAt := s.lastCycleAt
	cycles := s.cycles
	s.mu.Unlock()

	out := map[string]any{
		"running":     s.running.Load(),
		"processing":  s.processing.Load(),
		"symbols":     s.cfg.Symbols,
		"interval":    s.cfg.Interval,
		"cycles":      cycles,
		"last_prices": prices,
		"positions":   s.positions.Snapshot(),
	}
	if !startedAt.IsZero() {
		out["started_at"] = startedAt.Format(time.RFC3339)
		out["uptime_seconds"] = int(time.Since(startedAt).Seconds())
	}
	if !lastCycleAt.IsZero() {
		out["last_cycle_at"] = lastCycleAt.Format(time.RFC3339)
	}

	for k, v := range s.governor.Snapshot() {
		out["risk_"+k] = v
	}

	if until := s.breaker.PausedUntil(); !until.IsZero() {
		out["breaker_paused_until"] = until.UTC().Format(time.RFC3339)
	}
	out["breaker_window_loss_pct"] = s.breaker.WindowLoss()
	return out
}
