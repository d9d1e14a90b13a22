package exchange

import (
	"context"
	"time"
)

// OrderSide is the exchange-level order direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// TriggerKind distinguishes the two legs of a protective bracket.
type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "TAKE_PROFIT"
	TriggerStopLoss   TriggerKind = "STOP_LOSS"
)

// AccountSnapshot is the per-cycle view of the futures account.
type AccountSnapshot struct {
	Balance          float64 // wallet balance in quote currency
	AvailableBalance float64
	MarginBalance    float64
	MaintMargin      float64 // total maintenance margin requirement
	UnrealizedPnL    float64
	UpdatedAt        time.Time
}

// PositionSnapshot is the exchange's authoritative view of one symbol.
// Qty is signed the way the venue reports it: positive long, negative short.
type PositionSnapshot struct {
	Symbol        string
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

// Flat reports whether the exchange holds no exposure for the symbol.
func (p PositionSnapshot) Flat() bool { return p.Qty == 0 }

// SymbolRules carries the venue's precision and size constraints.
type SymbolRules struct {
	QtyStep     float64
	PriceTick   float64
	MinQty      float64
	MinNotional float64
}

// MarketOrderRequest places an immediate order. ClientOrderID makes retries
// idempotent on the venue side.
type MarketOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           float64
	ReduceOnly    bool
	ClientOrderID string
}

// TriggerOrderRequest places one protective leg, reduce-only, triggered on mark
// price.
type TriggerOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           float64
	TriggerPrice  float64
	Kind          TriggerKind
	ClientOrderID string
}

// OrderResult is the normalized execution report. AvgPrice may be zero when the
// venue has not yet aggregated fills; callers must fall back to mark price.
type OrderResult struct {
	OrderID     int64
	ClientID    string
	Symbol      string
	Side        OrderSide
	ExecutedQty float64
	AvgPrice    float64
	Status      string
}

// Gateway is the only surface the trading core uses to reach the venue.
// Every call may fail transiently; callers own the retry/fallback policy.
type Gateway interface {
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (PositionSnapshot, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderResult, error)
	PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
}
