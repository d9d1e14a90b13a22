package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/config"
	"github.com/perpkit/perpbot/internal/ctxfeed"
	"github.com/perpkit/perpbot/internal/decision"
	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/journal"
	"github.com/perpkit/perpbot/internal/observ"
	"github.com/perpkit/perpbot/internal/position"
	"github.com/perpkit/perpbot/internal/risk"
	"github.com/perpkit/perpbot/internal/stream"
)

// Service is the trading control loop. All collaborators arrive through the
// constructor; the service owns no I/O of its own beyond the timers it
// spawns.
//
// Concurrency model: one candle at a time. Events arriving while a cycle is
// in flight are dropped, not queued; the next closed candle carries fresher
// information than the one we would have queued. The stream consumer applies
// the same rule to its buffered backlog through DrainFreshest before handing
// candles over.
type Service struct {
	cfg       config.Root
	gw        exchange.Gateway
	feed      *ctxfeed.Client
	engine    *decision.Engine
	governor  *risk.Governor
	breaker   *risk.LossBreaker
	positions *position.Manager
	jnl       journal.Journal
	notifier  alerts.Notifier

	running    atomic.Bool
	processing atomic.Bool

	symbols map[string]bool

	mu              sync.Mutex
	startedAt       time.Time
	lastCycleAt     time.Time
	lastPrice       map[string]float64
	cycles          int64
	stoppedNotified bool
	breakerNotified time.Time // PausedUntil of the last trip we alerted on
	lastErrNotify   time.Time

	cancelTimers context.CancelFunc
	wg           sync.WaitGroup
}

func New(cfg config.Root, gw exchange.Gateway, feed *ctxfeed.Client, engine *decision.Engine,
	governor *risk.Governor, breaker *risk.LossBreaker, positions *position.Manager,
	jnl journal.Journal, notifier alerts.Notifier) *Service {
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Service{
		cfg:       cfg,
		gw:        gw,
		feed:      feed,
		engine:    engine,
		governor:  governor,
		breaker:   breaker,
		positions: positions,
		jnl:       jnl,
		notifier:  notifier,
		symbols:   symbols,
		lastPrice: make(map[string]float64),
	}
}

// Start adopts any positions left on the exchange by a previous run and
// launches the background timers. Candle handling begins once Start returns.
func (s *Service) Start(ctx context.Context) {
	s.positions.Adopt(ctx, s.cfg.Symbols)

	timerCtx, cancel := context.WithCancel(context.Background())
	s.cancelTimers = cancel
	s.wg.Add(2)
	go s.heartbeatLoop(timerCtx)
	go s.dailyReportLoop(timerCtx)

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()
	s.running.Store(true)
	observ.Log("trader_started", map[string]any{"symbols": s.cfg.Symbols, "interval": s.cfg.Interval})
}

// Stop halts candle handling and the timers. Open positions and their
// brackets stay live on the exchange; the next Start re-adopts them.
func (s *Service) Stop() {
	s.running.Store(false)
	if s.cancelTimers != nil {
		s.cancelTimers()
	}
	s.wg.Wait()
	observ.Log("trader_stopped", nil)
}

// Pause suspends candle handling without touching exchange state.
func (s *Service) Pause()  { s.running.Store(false) }
func (s *Service) Resume() { s.running.Store(true) }

// Running reports whether candle handling is active.
func (s *Service) Running() bool { return s.running.Load() }

// HandleCandle is the single entry point for market events. Open-candle
// updates only refresh the last-price view; decisions happen on the close.
func (s *Service) HandleCandle(ctx context.Context, candle stream.Candle) {
	if !s.symbols[candle.Symbol] {
		return
	}
	s.mu.Lock()
	s.lastPrice[candle.Symbol] = candle.Close
	s.mu.Unlock()

	if !candle.Closed || !s.running.Load() {
		return
	}
	if !s.processing.CompareAndSwap(false, true) {
		observ.IncCounter("cycles_dropped_total", map[string]string{"symbol": candle.Symbol})
		observ.LogWarn("cycle_dropped", map[string]any{"symbol": candle.Symbol, "close_time": candle.CloseTime})
		return
	}
	defer s.processing.Store(false)

	s.cycle(ctx, candle)
}

// cycle runs one decision pass. Every failure is contained here: logged,
// throttle-notified, and forgotten. A panic in a collaborator must never take
// the process down mid-stream.
func (s *Service) cycle(ctx context.Context, candle stream.Candle) {
	corrID := uuid.NewString()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			observ.LogError("cycle_panic", fmt.Errorf("%v", r), map[string]any{
				"symbol": candle.Symbol, "correlation_id": corrID,
			})
			s.notifyError("Cycle panic", fmt.Sprintf("%s: %v", candle.Symbol, r))
		}
		observ.Observe("cycle_seconds", time.Since(start).Seconds(), map[string]string{"symbol": candle.Symbol})
		s.mu.Lock()
		s.lastCycleAt = time.Now().UTC()
		s.cycles++
		s.mu.Unlock()
	}()

	observ.Log("cycle_start", map[string]any{
		"symbol": candle.Symbol, "close": candle.Close,
		"close_time": candle.CloseTime, "correlation_id": corrID,
	})

	account, err := s.gw.GetAccount(ctx)
	if err != nil {
		observ.LogError("account_fetch_failed", err, map[string]any{"correlation_id": corrID})
		s.notifyError("Account fetch failed", err.Error())
		return
	}
	observ.SetGauge("account_balance_usd", account.Balance, nil)

	verdict := s.governor.Check(account, time.Now())
	entriesBlocked := false
	switch {
	case verdict.Status == risk.StatusStopped || (!verdict.Allowed && verdict.Status != risk.StatusWarning):
		s.notifyStoppedOnce(verdict.Reason)
		observ.Log("cycle_denied", map[string]any{"reason": verdict.Reason, "correlation_id": corrID})
		return
	case !verdict.Allowed:
		// Margin soft brake: existing exposure is managed, new entries wait.
		entriesBlocked = true
		observ.Log("entries_blocked", map[string]any{"reason": verdict.Reason, "correlation_id": corrID})
	default:
		s.mu.Lock()
		s.stoppedNotified = false
		s.mu.Unlock()
	}

	ec, err := s.positions.ReconcileExternalClose(ctx, candle.Symbol, corrID)
	if err != nil {
		observ.LogError("reconcile_failed", err, map[string]any{"symbol": candle.Symbol, "correlation_id": corrID})
		s.notifyError("Reconciliation failed", fmt.Sprintf("%s: %v", candle.Symbol, err))
		return
	}
	if ec != nil {
		// A stop-out filled on the exchange is still a realized loss; the
		// breaker budget erodes the same way as for a bot-initiated close.
		s.recordLoss(ec.Position, ec.PnL)
	}

	// Pause check runs after reconciliation so a fresh stop-out trips the
	// breaker before this cycle can decide anything.
	if s.breaker.IsPaused() {
		s.notifyBreakerOnce()
		observ.Log("cycle_skipped_breaker", map[string]any{
			"symbol": candle.Symbol, "paused_until": s.breaker.PausedUntil().UTC().Format(time.RFC3339),
			"correlation_id": corrID,
		})
		return
	}

	mctx, err := s.feed.Fetch(ctx, candle)
	if err != nil {
		observ.LogError("context_fetch_failed", err, map[string]any{"symbol": candle.Symbol, "correlation_id": corrID})
		s.notifyError("Context fetch failed", fmt.Sprintf("%s: %v", candle.Symbol, err))
		return
	}

	held := s.positions.Held(candle.Symbol)
	sig := s.engine.Decide(mctx.Rule, mctx.Oracle, mctx.Regime, held)
	observ.Log("decision", map[string]any{
		"symbol": candle.Symbol, "action": string(sig.Action), "reason": sig.Reason,
		"leverage": sig.Leverage, "held": string(held), "regime": string(mctx.Regime.Kind),
		"correlation_id": corrID,
	})
	observ.IncCounter("decisions_total", map[string]string{"symbol": candle.Symbol, "action": string(sig.Action)})

	s.execute(ctx, candle, account, mctx, sig, held, entriesBlocked, corrID)
}

func (s *Service) execute(ctx context.Context, candle stream.Candle, account exchange.AccountSnapshot,
	mctx decision.MarketContext, sig decision.Signal, held decision.Side, entriesBlocked bool, corrID string) {
	switch sig.Action {
	case decision.Close:
		if held == decision.Flat {
			return
		}
		s.closeAndRecord(ctx, candle.Symbol, sig.Reason, corrID)

	case decision.Long, decision.Short:
		want := decision.SideLong
		if sig.Action == decision.Short {
			want = decision.SideShort
		}
		if held == want {
			return
		}
		if entriesBlocked {
			observ.Log("entry_skipped", map[string]any{
				"symbol": candle.Symbol, "action": string(sig.Action), "correlation_id": corrID,
			})
			return
		}
		if held != decision.Flat {
			// Flip: realize the opposite side first so its loss feeds the
			// breaker before fresh exposure goes on.
			if !s.closeAndRecord(ctx, candle.Symbol, "flip", corrID) {
				return
			}
		}

		rules, err := s.gw.GetSymbolRules(ctx, candle.Symbol)
		if err != nil {
			observ.LogError("symbol_rules_failed", err, map[string]any{"symbol": candle.Symbol, "correlation_id": corrID})
			s.notifyError("Symbol rules fetch failed", fmt.Sprintf("%s: %v", candle.Symbol, err))
			return
		}
		notional := decision.Notional(decision.SizingConfig{
			PositionRatio:  s.cfg.Decision.PositionRatio,
			MinNotionalUSD: s.cfg.Decision.MinNotionalUSD,
		}, account.Balance)
		qty, err := decision.Quantity(notional, mctx.Close, rules.QtyStep, rules.MinQty)
		if err != nil {
			observ.LogWarn("sizing_rejected", map[string]any{
				"symbol": candle.Symbol, "notional": notional, "error": err.Error(),
			})
			return
		}

		pos, err := s.positions.Enter(ctx, candle.Symbol, want, qty, sig.Leverage, corrID)
		if err != nil {
			observ.LogError("entry_failed", err, map[string]any{"symbol": candle.Symbol, "correlation_id": corrID})
			s.notifyError("Entry failed", fmt.Sprintf("%s %s: %v", candle.Symbol, want, err))
			return
		}
		if err := s.positions.SetupBracket(ctx, pos, mctx.ATR, corrID); err != nil {
			// Already notified by the manager; the entry stands.
			observ.LogWarn("bracket_setup_failed", map[string]any{"symbol": candle.Symbol, "error": err.Error()})
		}
	}
}

// closeAndRecord closes the held position and feeds any realized loss to the
// circuit breaker as a percentage of the closed notional.
func (s *Service) closeAndRecord(ctx context.Context, symbol, reason, corrID string) bool {
	pos, ok := s.positions.Get(symbol)
	if !ok {
		return false
	}
	pnl, err := s.positions.Close(ctx, symbol, reason, corrID)
	if err != nil {
		observ.LogError("close_failed", err, map[string]any{"symbol": symbol, "correlation_id": corrID})
		s.notifyError("Close failed", fmt.Sprintf("%s: %v", symbol, err))
		return false
	}
	s.recordLoss(pos, pnl)
	return true
}

func (s *Service) recordLoss(pos position.Position, pnl float64) {
	if pnl >= 0 {
		return
	}
	notional := pos.EntryPrice * pos.Qty
	if notional <= 0 {
		return
	}
	lossPct := -pnl / notional * 100
	s.breaker.Record(lossPct)
	observ.Observe("cycle_loss_pct", lossPct, map[string]string{"symbol": pos.Symbol})
}

func (s *Service) notifyStoppedOnce(reason string) {
	s.mu.Lock()
	already := s.stoppedNotified
	s.stoppedNotified = true
	s.mu.Unlock()
	if already {
		return
	}
	s.notifier.Send(alerts.CategoryRisk, "Trading stopped", reason)
}

func (s *Service) notifyBreakerOnce() {
	until := s.breaker.PausedUntil()
	s.mu.Lock()
	already := s.breakerNotified.Equal(until)
	s.breakerNotified = until
	s.mu.Unlock()
	if already {
		return
	}
	s.notifier.Send(alerts.CategoryBreaker, "Circuit breaker tripped",
		"entries paused until "+until.UTC().Format(time.RFC3339))
}

// notifyError rate-limits operational error alerts to one per minute. The
// full detail is always in the log; the alert is just the pager.
func (s *Service) notifyError(title, body string) {
	s.mu.Lock()
	if time.Since(s.lastErrNotify) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastErrNotify = time.Now()
	s.mu.Unlock()
	s.notifier.Send(alerts.CategoryError, title, body)
}
