package position

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/decision"
	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/journal"
	"github.com/perpkit/perpbot/internal/observ"
)

// Position is the bot's belief about one symbol. The exchange is authoritative;
// reconciliation keeps the two from diverging for more than one cycle.
type Position struct {
	Symbol     string
	Side       decision.Side
	Qty        float64
	EntryPrice float64
	Leverage   int
	OpenedAt   time.Time
}

// Bracket is the pair of protective orders guarding an open position.
type Bracket struct {
	Symbol      string
	StopPrice   float64
	TakePrice   float64
	StopOrderID int64
	TakeOrderID int64
	PlacedAt    time.Time
}

// Config carries the bracket geometry and fee assumptions.
type Config struct {
	StopATRMult       float64
	TakeProfitATRMult float64
	TriggerBufferPct  float64 // min relative distance between mark and trigger
	ProximityPct      float64 // external-close reason matching tolerance
	TakerFeePct       float64 // per-side commission estimate
}

// Manager owns the per-symbol FLAT -> OPEN -> FLAT state machine. At most one
// Position and one Bracket per symbol; side == FLAT exactly when qty == 0.
type Manager struct {
	mu       sync.Mutex
	gw       exchange.Gateway
	jnl      journal.Journal
	notifier alerts.Notifier
	cfg      Config

	positions map[string]*Position
	brackets  map[string]*Bracket
	wins      int
	losses    int
}

func NewManager(gw exchange.Gateway, jnl journal.Journal, notifier alerts.Notifier, cfg Config) *Manager {
	return &Manager{
		gw:        gw,
		jnl:       jnl,
		notifier:  notifier,
		cfg:       cfg,
		positions: make(map[string]*Position),
		brackets:  make(map[string]*Bracket),
	}
}

// Held returns the side the bot believes it holds for the symbol.
func (m *Manager) Held(symbol string) decision.Side {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		return p.Side
	}
	return decision.Flat
}

// Get returns a copy of the tracked position, if any.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		return *p, true
	}
	return Position{}, false
}

// Stats returns the cumulative closed-trade win/loss counters.
func (m *Manager) Stats() (wins, losses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wins, m.losses
}

// Enter opens a position in the given direction. If the opposite side is held
// the flip closes it first with its own trade record, then opens fresh. The
// fill price comes from the execution report, falling back to mark price when
// the venue has not aggregated fills yet.
func (m *Manager) Enter(ctx context.Context, symbol string, side decision.Side, qty float64, leverage int, corrID string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if side != decision.SideLong && side != decision.SideShort {
		return Position{}, fmt.Errorf("enter %s: invalid side %s", symbol, side)
	}

	if held, ok := m.positions[symbol]; ok {
		if held.Side == side {
			return *held, nil
		}
		if _, err := m.closeLocked(ctx, symbol, "flip", corrID); err != nil {
			return Position{}, fmt.Errorf("flip close %s: %w", symbol, err)
		}
	}

	// Leverage rejection is a normal outcome on this venue; the position
	// simply opens at whatever leverage the account already carries.
	if err := m.gw.ChangeLeverage(ctx, symbol, leverage); err != nil {
		if exchange.IsLeverageRejected(err) {
			observ.Log("leverage_unchanged", map[string]any{"symbol": symbol, "requested": leverage})
		} else {
			observ.LogWarn("leverage_change_failed", map[string]any{"symbol": symbol, "requested": leverage, "error": err.Error()})
		}
	}

	res, err := m.gw.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		Symbol:        symbol,
		Side:          orderSide(side),
		Qty:           qty,
		ClientOrderID: clientID("ent", corrID),
	})
	if err != nil {
		observ.IncCounter("orders_failed_total", map[string]string{"symbol": symbol, "kind": "entry"})
		return Position{}, fmt.Errorf("entry order %s %s: %w", symbol, side, err)
	}

	filledQty := res.ExecutedQty
	if filledQty == 0 {
		filledQty = qty
	}
	fill := res.AvgPrice
	if fill == 0 {
		if mark, merr := m.gw.GetMarkPrice(ctx, symbol); merr == nil {
			fill = mark
		}
	}

	pos := &Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        filledQty,
		EntryPrice: fill,
		Leverage:   leverage,
		OpenedAt:   time.Now().UTC(),
	}
	m.positions[symbol] = pos

	rec := journal.TradeRecord{
		Symbol:        symbol,
		Action:        entryAction(side),
		Side:          string(orderSide(side)),
		Quantity:      filledQty,
		Price:         fill,
		Commission:    m.commission(filledQty, fill),
		Reason:        "entry",
		CorrelationID: corrID,
		Timestamp:     pos.OpenedAt,
	}
	if err := m.jnl.Append(rec); err != nil {
		observ.LogError("journal_append_failed", err, map[string]any{"symbol": symbol})
	}

	observ.Log("position_opened", map[string]any{
		"symbol": symbol, "side": string(side), "qty": filledQty,
		"price": fill, "leverage": leverage, "correlation_id": corrID,
	})
	observ.IncCounter("positions_opened_total", map[string]string{"symbol": symbol, "side": string(side)})
	m.notifier.Send(alerts.CategoryTrade, fmt.Sprintf("Opened %s %s", side, symbol),
		fmt.Sprintf("qty=%.6f price=%.4f leverage=%dx", filledQty, fill, leverage))
	return *pos, nil
}

// Close flattens the symbol with a reduce-only market order. Realized PnL is
// (exit-entry) x qty x direction minus the estimated round-trip commission for
// this leg. Remaining bracket orders are cancelled before the belief is
// dropped.
func (m *Manager) Close(ctx context.Context, symbol, reason, corrID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx, symbol, reason, corrID)
}

func (m *Manager) closeLocked(ctx context.Context, symbol, reason, corrID string) (float64, error) {
	pos, ok := m.positions[symbol]
	if !ok {
		return 0, fmt.Errorf("close %s: no position held", symbol)
	}

	res, err := m.placeClose(ctx, pos, corrID)
	if err != nil {
		observ.IncCounter("orders_failed_total", map[string]string{"symbol": symbol, "kind": "close"})
		return 0, fmt.Errorf("close order %s: %w", symbol, err)
	}

	exit := res.AvgPrice
	if exit == 0 {
		if mark, merr := m.gw.GetMarkPrice(ctx, symbol); merr == nil {
			exit = mark
		} else {
			exit = pos.EntryPrice
		}
	}

	commission := m.commission(pos.Qty, exit)
	pnl := (exit-pos.EntryPrice)*pos.Qty*direction(pos.Side) - commission

	if err := m.gw.CancelOpenOrders(ctx, symbol); err != nil {
		observ.LogWarn("cancel_orders_failed", map[string]any{"symbol": symbol, "error": err.Error()})
	}
	delete(m.brackets, symbol)
	delete(m.positions, symbol)

	if pnl >= 0 {
		m.wins++
	} else {
		m.losses++
	}

	rec := journal.TradeRecord{
		Symbol:        symbol,
		Action:        journal.ActionClose,
		Side:          string(closeSide(pos.Side)),
		Quantity:      pos.Qty,
		Price:         exit,
		RealizedPnL:   pnl,
		Commission:    commission,
		Reason:        reason,
		CorrelationID: corrID,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.jnl.Append(rec); err != nil {
		observ.LogError("journal_append_failed", err, map[string]any{"symbol": symbol})
	}

	observ.Log("position_closed", map[string]any{
		"symbol": symbol, "side": string(pos.Side), "qty": pos.Qty,
		"entry": pos.EntryPrice, "exit": exit, "pnl": pnl,
		"reason": reason, "correlation_id": corrID,
	})
	observ.IncCounter("positions_closed_total", map[string]string{"symbol": symbol, "reason": reason})
	observ.Observe("trade_pnl_usd", pnl, map[string]string{"symbol": symbol})
	m.notifier.Send(alerts.CategoryTrade, fmt.Sprintf("Closed %s %s", pos.Side, symbol),
		fmt.Sprintf("qty=%.6f exit=%.4f pnl=%.2f reason=%s", pos.Qty, exit, pnl, reason))
	return pnl, nil
}

// placeClose submits the reduce-only close. On failure it retries once with a
// freshly queried exchange quantity, which covers the case where the belief's
// quantity no longer matches the venue (partial external fill).
func (m *Manager) placeClose(ctx context.Context, pos *Position, corrID string) (exchange.OrderResult, error) {
	req := exchange.MarketOrderRequest{
		Symbol:        pos.Symbol,
		Side:          closeSide(pos.Side),
		Qty:           pos.Qty,
		ReduceOnly:    true,
		ClientOrderID: clientID("cls", corrID),
	}
	res, err := m.gw.PlaceMarketOrder(ctx, req)
	if err == nil {
		return res, nil
	}
	observ.LogWarn("close_retry", map[string]any{"symbol": pos.Symbol, "error": err.Error()})

	snap, qerr := m.gw.GetPosition(ctx, pos.Symbol)
	if qerr != nil {
		return exchange.OrderResult{}, fmt.Errorf("requery position: %v (after %w)", qerr, err)
	}
	if snap.Flat() {
		// Already flat on the venue; nothing to close.
		return exchange.OrderResult{Symbol: pos.Symbol, Status: "FLAT"}, nil
	}
	req.Qty = abs(snap.Qty)
	req.ClientOrderID = clientID("cl2", corrID)
	return m.gw.PlaceMarketOrder(ctx, req)
}

func (m *Manager) commission(qty, price float64) float64 {
	return qty * price * m.cfg.TakerFeePct / 100
}

// Adopt queries the exchange for positions left over from a previous run and
// re-establishes beliefs for them. Brackets cannot be recovered and stay
// empty; the reconciliation pass covers anything the venue closes.
func (m *Manager) Adopt(ctx context.Context, symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		snap, err := m.gw.GetPosition(ctx, sym)
		if err != nil {
			observ.LogWarn("adopt_query_failed", map[string]any{"symbol": sym, "error": err.Error()})
			continue
		}
		if snap.Flat() {
			continue
		}
		side := decision.SideLong
		if snap.Qty < 0 {
			side = decision.SideShort
		}
		m.positions[sym] = &Position{
			Symbol:     sym,
			Side:       side,
			Qty:        abs(snap.Qty),
			EntryPrice: snap.EntryPrice,
			Leverage:   snap.Leverage,
			OpenedAt:   time.Now().UTC(),
		}
		observ.Log("position_adopted", map[string]any{
			"symbol": sym, "side": string(side), "qty": abs(snap.Qty), "entry": snap.EntryPrice,
		})
		m.notifier.Send(alerts.CategoryStatus, "Adopted open position",
			fmt.Sprintf("%s %s qty=%.6f entry=%.4f", sym, side, abs(snap.Qty), snap.EntryPrice))
	}
}

// Snapshot returns the operator view of current beliefs.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	positions := make([]map[string]any, 0, len(m.positions))
	for _, p := range m.positions {
		entry := map[string]any{
			"symbol":   p.Symbol,
			"side":     string(p.Side),
			"qty":      p.Qty,
			"entry":    p.EntryPrice,
			"leverage": p.Leverage,
			"opened":   p.OpenedAt.Format(time.RFC3339),
		}
		if b, ok := m.brackets[p.Symbol]; ok {
			entry["stop"] = b.StopPrice
			entry["take_profit"] = b.TakePrice
		}
		positions = append(positions, entry)
	}
	return map[string]any{
		"positions": positions,
		"wins":      m.wins,
		"losses":    m.losses,
	}
}

func orderSide(side decision.Side) exchange.OrderSide {
	if side == decision.SideShort {
		return exchange.Sell
	}
	return exchange.Buy
}

func closeSide(side decision.Side) exchange.OrderSide {
	if side == decision.SideLong {
		return exchange.Sell
	}
	return exchange.Buy
}

func entryAction(side decision.Side) journal.Action {
	if side == decision.SideShort {
		return journal.ActionShort
	}
	return journal.ActionLong
}

func direction(side decision.Side) float64 {
	if side == decision.SideShort {
		return -1
	}
	return 1
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// clientID builds a venue order ID from the cycle's correlation ID. Binance
// caps client order IDs at 36 characters.
func clientID(tag, corrID string) string {
	short := strings.ReplaceAll(corrID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("pb-%s-%s-%d", tag, short, time.Now().UnixMilli()%1000000)
}
