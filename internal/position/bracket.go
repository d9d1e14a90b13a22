package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/observ"
)

// SetupBracket places the protective stop-loss and take-profit around an open
// position, both reduce-only and triggered on mark price. Stop distance is
// StopATRMult x ATR, target distance TakeProfitATRMult x ATR. A bracket
// failure never undoes the entry; the position simply runs unprotected until
// the next cycle or the operator intervenes.
func (m *Manager) SetupBracket(ctx context.Context, pos Position, atr float64, corrID string) error {
	if atr <= 0 {
		return fmt.Errorf("bracket %s: non-positive ATR %v", pos.Symbol, atr)
	}

	dir := direction(pos.Side)
	stop := pos.EntryPrice - dir*atr*m.cfg.StopATRMult
	take := pos.EntryPrice + dir*atr*m.cfg.TakeProfitATRMult

	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil {
		mark = pos.EntryPrice
	}
	rules, err := m.gw.GetSymbolRules(ctx, pos.Symbol)
	if err != nil {
		observ.LogWarn("symbol_rules_failed", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
	}

	stop = m.nudge(stop, mark, dir, -1, rules.PriceTick)
	take = m.nudge(take, mark, dir, +1, rules.PriceTick)

	exitSide := closeSide(pos.Side)
	stopRes, stopErr := m.placeTrigger(ctx, exchange.TriggerOrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide,
		Qty:           pos.Qty,
		TriggerPrice:  stop,
		Kind:          exchange.TriggerStopLoss,
		ClientOrderID: clientID("sl", corrID),
	}, mark, dir, -1, rules.PriceTick)
	takeRes, takeErr := m.placeTrigger(ctx, exchange.TriggerOrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide,
		Qty:           pos.Qty,
		TriggerPrice:  take,
		Kind:          exchange.TriggerTakeProfit,
		ClientOrderID: clientID("tp", corrID),
	}, mark, dir, +1, rules.PriceTick)

	if stopErr != nil || takeErr != nil {
		err := stopErr
		if err == nil {
			err = takeErr
		}
		observ.LogError("bracket_failed", err, map[string]any{
			"symbol": pos.Symbol, "stop": stop, "take_profit": take,
		})
		observ.IncCounter("orders_failed_total", map[string]string{"symbol": pos.Symbol, "kind": "bracket"})
		m.notifier.Send(alerts.CategoryError, "Bracket placement failed",
			fmt.Sprintf("%s %s position is running without full protection: %v", pos.Symbol, pos.Side, err))
		return fmt.Errorf("bracket %s: %w", pos.Symbol, err)
	}

	m.mu.Lock()
	m.brackets[pos.Symbol] = &Bracket{
		Symbol:      pos.Symbol,
		StopPrice:   stop,
		TakePrice:   take,
		StopOrderID: stopRes.OrderID,
		TakeOrderID: takeRes.OrderID,
		PlacedAt:    time.Now().UTC(),
	}
	m.mu.Unlock()

	observ.Log("bracket_placed", map[string]any{
		"symbol": pos.Symbol, "stop": stop, "take_profit": take,
		"atr": atr, "correlation_id": corrID,
	})
	return nil
}

// placeTrigger submits one protective leg. The venue rejects triggers that
// would fire immediately; that is an expected rejection, answered by nudging
// the trigger one buffer further from the mark and retrying once.
func (m *Manager) placeTrigger(ctx context.Context, req exchange.TriggerOrderRequest, mark, dir, orient, tick float64) (exchange.OrderResult, error) {
	res, err := m.gw.PlaceTriggerOrder(ctx, req)
	if err == nil || !exchange.IsImmediateTrigger(err) {
		return res, err
	}

	buffer := m.cfg.TriggerBufferPct / 100
	nudged := req.TriggerPrice * (1 + dir*orient*buffer)
	nudged = roundToTick(nudged, tick)
	observ.LogWarn("trigger_nudged", map[string]any{
		"symbol": req.Symbol, "kind": string(req.Kind),
		"from": req.TriggerPrice, "to": nudged, "mark": mark,
	})
	req.TriggerPrice = nudged
	req.ClientOrderID = req.ClientOrderID + "r"
	return m.gw.PlaceTriggerOrder(ctx, req)
}

// nudge keeps a trigger at least TriggerBufferPct away from the mark on the
// side it is supposed to sit. orient is +1 for the profit leg and -1 for the
// stop leg, relative to the position direction dir.
func (m *Manager) nudge(trigger, mark, dir, orient, tick float64) float64 {
	buffer := m.cfg.TriggerBufferPct / 100
	limit := mark * (1 + dir*orient*buffer)
	if dir*orient > 0 {
		if trigger < limit {
			trigger = limit
		}
	} else {
		if trigger > limit {
			trigger = limit
		}
	}
	return roundToTick(trigger, tick)
}

// GetBracket returns a copy of the tracked bracket, if any.
func (m *Manager) GetBracket(symbol string) (Bracket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.brackets[symbol]; ok {
		return *b, true
	}
	return Bracket{}, false
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	out, _ := p.Div(t).Round(0).Mul(t).Float64()
	return out
}
