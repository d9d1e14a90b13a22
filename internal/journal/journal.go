package journal

import "time"

// Action is what the trade did to exposure.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionClose Action = "CLOSE"
)

// TradeRecord is the only durable state the trading core writes. Append-only;
// one row per confirmed fill or reconciled external close.
type TradeRecord struct {
	ID            string
	Symbol        string
	Action        Action
	Side          string // BUY | SELL
	Quantity      float64
	Price         float64
	RealizedPnL   float64
	Commission    float64
	Reason        string
	CorrelationID string
	Timestamp     time.Time
}

// Journal is the persistence sink consumed by the position manager.
type Journal interface {
	Append(rec TradeRecord) error
	ListSince(t time.Time) ([]TradeRecord, error)
	Close() error
}
