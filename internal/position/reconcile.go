package position

import (
	"context"
	"fmt"
	"time"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/journal"
	"github.com/perpkit/perpbot/internal/observ"
)

// ExternalClose describes a position the exchange closed out of band, with
// the estimated result the reconciler synthesized for it.
type ExternalClose struct {
	Position Position
	PnL      float64
	Reason   string
}

// ReconcileExternalClose runs every cycle before decisions. When the bot
// believes it holds a position but the exchange reports flat, something closed
// it out of band: a bracket trigger, liquidation, or a manual order. The
// belief is dropped, dangling orders are cancelled, and a trade record with an
// estimated PnL is synthesized so the ledger stays complete. The synthesized
// close is returned so the caller can run its loss accounting on it; a nil
// result means belief and exchange agree.
func (m *Manager) ReconcileExternalClose(ctx context.Context, symbol, corrID string) (*ExternalClose, error) {
	m.mu.Lock()
	pos, held := m.positions[symbol]
	m.mu.Unlock()
	if !held {
		return nil, nil
	}

	snap, err := m.gw.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", symbol, err)
	}
	if !snap.Flat() {
		return nil, nil
	}

	last, err := m.gw.GetMarkPrice(ctx, symbol)
	if err != nil {
		last = pos.EntryPrice
	}

	m.mu.Lock()
	bracket, hadBracket := m.brackets[symbol]
	reason := "external"
	if hadBracket {
		reason = classifyExit(last, bracket.TakePrice, bracket.StopPrice, m.cfg.ProximityPct)
	}
	commission := m.commission(pos.Qty, last)
	pnl := (last-pos.EntryPrice)*pos.Qty*direction(pos.Side) - commission
	delete(m.brackets, symbol)
	delete(m.positions, symbol)
	if pnl >= 0 {
		m.wins++
	} else {
		m.losses++
	}
	m.mu.Unlock()

	if err := m.gw.CancelOpenOrders(ctx, symbol); err != nil {
		observ.LogWarn("cancel_orders_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}

	rec := journal.TradeRecord{
		Symbol:        symbol,
		Action:        journal.ActionClose,
		Side:          string(closeSide(pos.Side)),
		Quantity:      pos.Qty,
		Price:         last,
		RealizedPnL:   pnl,
		Commission:    commission,
		Reason:        reason,
		CorrelationID: corrID,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.jnl.Append(rec); err != nil {
		observ.LogError("journal_append_failed", err, map[string]any{"symbol": symbol})
	}

	observ.Log("external_close_reconciled", map[string]any{
		"symbol": symbol, "side": string(pos.Side), "qty": pos.Qty,
		"entry": pos.EntryPrice, "last": last, "pnl": pnl,
		"reason": reason, "correlation_id": corrID,
	})
	observ.IncCounter("external_closes_total", map[string]string{"symbol": symbol, "reason": reason})
	m.notifier.Send(alerts.CategoryReconcile, fmt.Sprintf("External close detected on %s", symbol),
		fmt.Sprintf("side=%s qty=%.6f est_pnl=%.2f reason=%s", pos.Side, pos.Qty, pnl, reason))
	return &ExternalClose{Position: *pos, PnL: pnl, Reason: reason}, nil
}

// classifyExit infers why the exchange went flat by comparing the last price
// to the bracket's trigger levels. Closest level within the proximity
// tolerance wins; anything else is an external close (manual or liquidation).
// This is a best-effort label, the PnL estimate does not depend on it.
func classifyExit(last, take, stop, proximityPct float64) string {
	tol := proximityPct / 100
	dTake := relDist(last, take)
	dStop := relDist(last, stop)
	switch {
	case dTake <= tol && dTake <= dStop:
		return "take-profit"
	case dStop <= tol:
		return "stop-loss"
	default:
		return "external"
	}
}

func relDist(a, b float64) float64 {
	if b == 0 {
		return 1
	}
	return abs(a-b) / b
}
