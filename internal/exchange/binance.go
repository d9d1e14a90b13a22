package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/perpkit/perpbot/internal/observ"
)

// BinanceGateway implements Gateway against Binance USD-M perpetual futures.
// All REST calls are paced through a token-bucket limiter so a burst of cycle
// activity cannot trip the venue's request-weight limits.
type BinanceGateway struct {
	client  *futures.Client
	limiter *rate.Limiter

	rulesMu sync.RWMutex
	rules   map[string]SymbolRules
}

type BinanceConfig struct {
	APIKey         string
	SecretKey      string
	Testnet        bool
	RequestsPerSec float64
	Burst          int
}

func NewBinanceGateway(cfg BinanceConfig) *BinanceGateway {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 16
	}
	return &BinanceGateway{
		client:  futures.NewClient(cfg.APIKey, cfg.SecretKey),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		rules:   map[string]SymbolRules{},
	}
}

func (g *BinanceGateway) wait(ctx context.Context, op string) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	observ.Observe("exchange_limiter_wait_seconds", time.Since(start).Seconds(),
		map[string]string{"op": op})
	return nil
}

func (g *BinanceGateway) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	if err := g.wait(ctx, "get_account"); err != nil {
		return AccountSnapshot{}, err
	}
	res, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "get_account"})
		return AccountSnapshot{}, wrapAPIError(err)
	}
	return AccountSnapshot{
		Balance:          parseF(res.TotalWalletBalance),
		AvailableBalance: parseF(res.AvailableBalance),
		MarginBalance:    parseF(res.TotalMarginBalance),
		MaintMargin:      parseF(res.TotalMaintMargin),
		UnrealizedPnL:    parseF(res.TotalUnrealizedProfit),
		UpdatedAt:        time.Now().UTC(),
	}, nil
}

func (g *BinanceGateway) GetPosition(ctx context.Context, symbol string) (PositionSnapshot, error) {
	if err := g.wait(ctx, "get_position"); err != nil {
		return PositionSnapshot{}, err
	}
	res, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "get_position"})
		return PositionSnapshot{}, wrapAPIError(err)
	}
	for _, p := range res {
		if p.Symbol != symbol {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		return PositionSnapshot{
			Symbol:        p.Symbol,
			Qty:           parseF(p.PositionAmt),
			EntryPrice:    parseF(p.EntryPrice),
			MarkPrice:     parseF(p.MarkPrice),
			Leverage:      lev,
			UnrealizedPnL: parseF(p.UnRealizedProfit),
		}, nil
	}
	// No row means no exposure; the venue omits untraded symbols.
	return PositionSnapshot{Symbol: symbol}, nil
}

func (g *BinanceGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.wait(ctx, "get_mark_price"); err != nil {
		return 0, err
	}
	res, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "get_mark_price"})
		return 0, wrapAPIError(err)
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return parseF(p.MarkPrice), nil
		}
	}
	return 0, fmt.Errorf("no premium index for %s", symbol)
}

// GetSymbolRules fetches and caches precision rules. Filters change rarely
// enough that one fetch per symbol per process is sufficient.
func (g *BinanceGateway) GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	g.rulesMu.RLock()
	if r, ok := g.rules[symbol]; ok {
		g.rulesMu.RUnlock()
		return r, nil
	}
	g.rulesMu.RUnlock()

	if err := g.wait(ctx, "exchange_info"); err != nil {
		return SymbolRules{}, err
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "exchange_info"})
		return SymbolRules{}, wrapAPIError(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var rules SymbolRules
		if f := s.LotSizeFilter(); f != nil {
			rules.QtyStep = parseF(f.StepSize)
			rules.MinQty = parseF(f.MinQuantity)
		}
		if f := s.PriceFilter(); f != nil {
			rules.PriceTick = parseF(f.TickSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rules.MinNotional = parseF(f.Notional)
		}
		g.rulesMu.Lock()
		g.rules[symbol] = rules
		g.rulesMu.Unlock()
		return rules, nil
	}
	return SymbolRules{}, fmt.Errorf("symbol %s not in exchange info", symbol)
}

func (g *BinanceGateway) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderResult, error) {
	if err := g.wait(ctx, "place_market"); err != nil {
		return OrderResult{}, err
	}
	rules, err := g.GetSymbolRules(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatByStep(req.Qty, rules.QtyStep)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "place_market"})
		return OrderResult{}, wrapAPIError(err)
	}
	observ.IncCounter("exchange_orders_total", map[string]string{
		"symbol": req.Symbol, "type": "market", "side": string(req.Side),
	})
	return OrderResult{
		OrderID:     res.OrderID,
		ClientID:    res.ClientOrderID,
		Symbol:      res.Symbol,
		Side:        OrderSide(res.Side),
		ExecutedQty: parseF(res.ExecutedQuantity),
		AvgPrice:    parseF(res.AvgPrice),
		Status:      string(res.Status),
	}, nil
}

func (g *BinanceGateway) PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (OrderResult, error) {
	if err := g.wait(ctx, "place_trigger"); err != nil {
		return OrderResult{}, err
	}
	rules, err := g.GetSymbolRules(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	orderType := futures.OrderTypeStopMarket
	if req.Kind == TriggerTakeProfit {
		orderType = futures.OrderTypeTakeProfitMarket
	}
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(orderType).
		StopPrice(formatByStep(req.TriggerPrice, rules.PriceTick)).
		Quantity(formatByStep(req.Qty, rules.QtyStep)).
		WorkingType(futures.WorkingTypeMarkPrice).
		ReduceOnly(true)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "place_trigger"})
		return OrderResult{}, wrapAPIError(err)
	}
	observ.IncCounter("exchange_orders_total", map[string]string{
		"symbol": req.Symbol, "type": string(req.Kind), "side": string(req.Side),
	})
	return OrderResult{
		OrderID:     res.OrderID,
		ClientID:    res.ClientOrderID,
		Symbol:      res.Symbol,
		Side:        OrderSide(res.Side),
		ExecutedQty: parseF(res.ExecutedQuantity),
		AvgPrice:    parseF(res.AvgPrice),
		Status:      string(res.Status),
	}, nil
}

func (g *BinanceGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	if err := g.wait(ctx, "cancel_all"); err != nil {
		return err
	}
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		observ.IncCounter("exchange_errors_total", map[string]string{"op": "cancel_all"})
		return wrapAPIError(err)
	}
	return nil
}

func (g *BinanceGateway) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := g.wait(ctx, "change_leverage"); err != nil {
		return err
	}
	if _, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return wrapAPIError(err)
	}
	return nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// formatByStep renders a value truncated to the decimal places of the venue's
// step/tick size, so "0.0030000001" never reaches the wire.
func formatByStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	d := decimal.NewFromFloat(value)
	places := int32(decimal.NewFromFloat(step).Exponent() * -1)
	if places < 0 {
		places = 0
	}
	return d.Truncate(places).String()
}
