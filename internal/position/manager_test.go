package position

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/perpkit/perpbot/internal/decision"
	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/journal"
)

type fakeGateway struct {
	position   exchange.PositionSnapshot
	mark       float64
	rules      exchange.SymbolRules
	fillPrice  float64
	marketErrs []error // consumed in order by PlaceMarketOrder

	markets   []exchange.MarketOrderRequest
	triggers  []exchange.TriggerOrderRequest
	cancelled []string

	triggerErrs []error
	leverageErr error
}

func (f *fakeGateway) GetAccount(ctx context.Context) (exchange.AccountSnapshot, error) {
	return exchange.AccountSnapshot{Balance: 10000, MarginBalance: 10000}, nil
}

func (f *fakeGateway) GetPosition(ctx context.Context, symbol string) (exchange.PositionSnapshot, error) {
	return f.position, nil
}

func (f *fakeGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return f.mark, nil
}

func (f *fakeGateway) GetSymbolRules(ctx context.Context, symbol string) (exchange.SymbolRules, error) {
	return f.rules, nil
}

func (f *fakeGateway) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (exchange.OrderResult, error) {
	if len(f.marketErrs) > 0 {
		err := f.marketErrs[0]
		f.marketErrs = f.marketErrs[1:]
		if err != nil {
			return exchange.OrderResult{}, err
		}
	}
	f.markets = append(f.markets, req)
	return exchange.OrderResult{
		OrderID:     int64(len(f.markets)),
		Symbol:      req.Symbol,
		Side:        req.Side,
		ExecutedQty: req.Qty,
		AvgPrice:    f.fillPrice,
		Status:      "FILLED",
	}, nil
}

func (f *fakeGateway) PlaceTriggerOrder(ctx context.Context, req exchange.TriggerOrderRequest) (exchange.OrderResult, error) {
	if len(f.triggerErrs) > 0 {
		err := f.triggerErrs[0]
		f.triggerErrs = f.triggerErrs[1:]
		if err != nil {
			return exchange.OrderResult{}, err
		}
	}
	f.triggers = append(f.triggers, req)
	return exchange.OrderResult{OrderID: int64(100 + len(f.triggers))}, nil
}

func (f *fakeGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	f.cancelled = append(f.cancelled, symbol)
	return nil
}

func (f *fakeGateway) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	return f.leverageErr
}

type fakeJournal struct {
	records []journal.TradeRecord
}

func (j *fakeJournal) Append(rec journal.TradeRecord) error {
	j.records = append(j.records, rec)
	return nil
}

func (j *fakeJournal) ListSince(t time.Time) ([]journal.TradeRecord, error) {
	return j.records, nil
}

func (j *fakeJournal) Close() error { return nil }

type fakeNotifier struct {
	sent []string
}

func (n *fakeNotifier) Send(category, title, body string) {
	n.sent = append(n.sent, category+": "+title)
}

func testConfig() Config {
	return Config{
		StopATRMult:       1.5,
		TakeProfitATRMult: 2.5,
		TriggerBufferPct:  0.1,
		ProximityPct:      0.5,
		TakerFeePct:       0.05,
	}
}

func TestEnterOpensAndJournals(t *testing.T) {
	gw := &fakeGateway{mark: 100, fillPrice: 100.05}
	jnl := &fakeJournal{}
	m := NewManager(gw, jnl, &fakeNotifier{}, testConfig())

	pos, err := m.Enter(context.Background(), "BTCUSDT", decision.SideLong, 0.5, 3, "c1")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if pos.Side != decision.SideLong || pos.Qty != 0.5 || pos.EntryPrice != 100.05 {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if m.Held("BTCUSDT") != decision.SideLong {
		t.Fatalf("held = %s, want LONG", m.Held("BTCUSDT"))
	}
	if len(jnl.records) != 1 || jnl.records[0].Action != journal.ActionLong {
		t.Fatalf("expected one LONG record, got %+v", jnl.records)
	}
}

func TestEnterFallsBackToMarkPrice(t *testing.T) {
	gw := &fakeGateway{mark: 250.5, fillPrice: 0} // venue reports no avg price
	m := NewManager(gw, &fakeJournal{}, &fakeNotifier{}, testConfig())

	pos, err := m.Enter(context.Background(), "ETHUSDT", decision.SideShort, 2, 5, "c1")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if pos.EntryPrice != 250.5 {
		t.Fatalf("entry price must fall back to mark, got %v", pos.EntryPrice)
	}
}

func TestEnterKeepsLeverageOnRejection(t *testing.T) {
	gw := &fakeGateway{
		mark:        100,
		fillPrice:   100,
		leverageErr: &exchange.APIError{Code: -4046, Message: "No need to change leverage"},
	}
	m := NewManager(gw, &fakeJournal{}, &fakeNotifier{}, testConfig())

	if _, err := m.Enter(context.Background(), "BTCUSDT", decision.SideLong, 0.5, 3, "c1"); err != nil {
		t.Fatalf("leverage rejection must not fail the entry: %v", err)
	}
}

func TestFlipProducesTwoRecordsAndOneBracket(t *testing.T) {
	gw := &fakeGateway{mark: 100, fillPrice: 100}
	jnl := &fakeJournal{}
	m := NewManager(gw, jnl, &fakeNotifier{}, testConfig())

	ctx := context.Background()
	if _, err := m.Enter(ctx, "BTCUSDT", decision.SideShort, 0.5, 3, "c1"); err != nil {
		t.Fatalf("initial entry: %v", err)
	}
	pos, _ := m.Get("BTCUSDT")
	if err := m.SetupBracket(ctx, pos, 2.0, "c1"); err != nil {
		t.Fatalf("bracket: %v", err)
	}

	jnl.records = nil
	gw.triggers = nil
	gw.fillPrice = 98

	pos2, err := m.Enter(ctx, "BTCUSDT", decision.SideLong, 0.6, 3, "c2")
	if err != nil {
		t.Fatalf("flip entry: %v", err)
	}
	if err := m.SetupBracket(ctx, pos2, 2.0, "c2"); err != nil {
		t.Fatalf("flip bracket: %v", err)
	}

	if len(jnl.records) != 2 {
		t.Fatalf("flip must journal exactly two records, got %d", len(jnl.records))
	}
	if jnl.records[0].Action != journal.ActionClose || jnl.records[0].Reason != "flip" {
		t.Fatalf("first record must be the flip close, got %+v", jnl.records[0])
	}
	if jnl.records[1].Action != journal.ActionLong {
		t.Fatalf("second record must be the new entry, got %+v", jnl.records[1])
	}
	if m.Held("BTCUSDT") != decision.SideLong {
		t.Fatalf("held = %s, want LONG", m.Held("BTCUSDT"))
	}
	// Old short was profitable: entry 100, exit 98.
	if jnl.records[0].RealizedPnL <= 0 {
		t.Fatalf("short closed below entry must realize a profit, got %v", jnl.records[0].RealizedPnL)
	}

	if len(gw.triggers) != 2 {
		t.Fatalf("exactly one bracket (two legs) expected after flip, got %d legs", len(gw.triggers))
	}
	b, ok := m.GetBracket("BTCUSDT")
	if !ok {
		t.Fatal("bracket missing after flip")
	}
	if b.StopPrice >= 98 || b.TakePrice <= 98 {
		t.Fatalf("bracket must guard the new long: stop %v take %v", b.StopPrice, b.TakePrice)
	}
}

func TestClosePnLAndCleanup(t *testing.T) {
	gw := &fakeGateway{mark: 100, fillPrice: 100}
	jnl := &fakeJournal{}
	m := NewManager(gw, jnl, &fakeNotifier{}, testConfig())

	ctx := context.Background()
	if _, err := m.Enter(ctx, "BTCUSDT", decision.SideLong, 1, 3, "c1"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	gw.fillPrice = 103

	pnl, err := m.Close(ctx, "BTCUSDT", "manual", "c2")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// (103-100)*1 minus 0.05% taker on 103 notional.
	want := 3.0 - 103*0.05/100
	if math.Abs(pnl-want) > 1e-9 {
		t.Fatalf("pnl = %v, want %v", pnl, want)
	}
	if m.Held("BTCUSDT") != decision.Flat {
		t.Fatal("close must leave the symbol flat")
	}
	if _, ok := m.GetBracket("BTCUSDT"); ok {
		t.Fatal("close must drop the bracket")
	}
	if len(gw.cancelled) != 1 {
		t.Fatalf("close must cancel open orders once, got %d", len(gw.cancelled))
	}
	wins, losses := m.Stats()
	if wins != 1 || losses != 0 {
		t.Fatalf("stats = %d/%d, want 1/0", wins, losses)
	}
}

func TestCloseRetriesWithFreshQuantity(t *testing.T) {
	gw := &fakeGateway{
		mark:       100,
		fillPrice:  100,
		marketErrs: []error{nil, errors.New("transient")},
		position:   exchange.PositionSnapshot{Symbol: "BTCUSDT", Qty: 0.4, EntryPrice: 100},
	}
	m := NewManager(gw, &fakeJournal{}, &fakeNotifier{}, testConfig())

	ctx := context.Background()
	if _, err := m.Enter(ctx, "BTCUSDT", decision.SideLong, 0.5, 3, "c1"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := m.Close(ctx, "BTCUSDT", "manual", "c2"); err != nil {
		t.Fatalf("close with retry: %v", err)
	}
	last := gw.markets[len(gw.markets)-1]
	if !last.ReduceOnly {
		t.Fatal("retry must stay reduce-only")
	}
	if last.Qty != 0.4 {
		t.Fatalf("retry must use the freshly queried quantity, got %v", last.Qty)
	}
}

func TestBracketNudgesImmediateTrigger(t *testing.T) {
	gw := &fakeGateway{
		mark:      100,
		fillPrice: 100,
		rules:     exchange.SymbolRules{PriceTick: 0.01},
		triggerErrs: []error{
			&exchange.APIError{Code: -2021, Message: "Order would immediately trigger"},
		},
	}
	m := NewManager(gw, &fakeJournal{}, &fakeNotifier{}, testConfig())

	ctx := context.Background()
	pos, err := m.Enter(ctx, "BTCUSDT", decision.SideLong, 1, 3, "c1")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := m.SetupBracket(ctx, pos, 2.0, "c1"); err != nil {
		t.Fatalf("bracket must survive one immediate-trigger rejection: %v", err)
	}
	if len(gw.triggers) != 2 {
		t.Fatalf("both legs must land, got %d", len(gw.triggers))
	}
}
