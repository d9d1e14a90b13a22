package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/config"
	"github.com/perpkit/perpbot/internal/ctxfeed"
	"github.com/perpkit/perpbot/internal/decision"
	"github.com/perpkit/perpbot/internal/exchange"
	"github.com/perpkit/perpbot/internal/journal"
	"github.com/perpkit/perpbot/internal/observ"
	"github.com/perpkit/perpbot/internal/ops"
	"github.com/perpkit/perpbot/internal/position"
	"github.com/perpkit/perpbot/internal/risk"
	"github.com/perpkit/perpbot/internal/stream"
	"github.com/perpkit/perpbot/internal/trader"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		envFile    = flag.String("env", "", "optional .env file with API credentials")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load() // best effort on ./.env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observ.InitLogging(observ.LogConfig{
		Level:      cfg.Log.Level,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	observ.Log("bot_starting", map[string]any{
		"symbols": cfg.Symbols, "interval": cfg.Interval, "testnet": cfg.Exchange.Testnet,
	})

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		fmt.Fprintln(os.Stderr, "BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
		os.Exit(1)
	}

	gw := exchange.NewBinanceGateway(exchange.BinanceConfig{
		APIKey:         apiKey,
		SecretKey:      secretKey,
		Testnet:        cfg.Exchange.Testnet,
		RequestsPerSec: cfg.Exchange.RequestsPerSec,
		Burst:          cfg.Exchange.Burst,
	})

	jnl, err := journal.NewSQLite(cfg.Journal.Path)
	if err != nil {
		observ.LogError("journal_open_failed", err, map[string]any{"path": cfg.Journal.Path})
		os.Exit(1)
	}
	defer jnl.Close()

	notifier := alerts.NewSlackClient(alerts.Config{
		Enabled:          cfg.Slack.Enabled,
		WebhookURL:       os.Getenv(cfg.Slack.WebhookURLEnv),
		Channel:          cfg.Slack.Channel,
		QueueSize:        cfg.Slack.QueueSize,
		DedupeWindowSecs: cfg.Slack.DedupeWindowSecs,
		MaxPerMinute:     cfg.Slack.MaxPerMinute,
	})
	defer notifier.Close()

	governor := risk.NewGovernor(risk.GovernorConfig{
		DailyLossLimitUSD: cfg.Risk.DailyLossLimitUSD,
		MaxMarginRatio:    cfg.Risk.MaxMarginRatio,
	})
	breaker := risk.NewLossBreaker(risk.BreakerConfig{
		Window:       time.Duration(cfg.Breaker.WindowMinutes) * time.Minute,
		ThresholdPct: cfg.Breaker.ThresholdPct,
		Pause:        time.Duration(cfg.Breaker.PauseMinutes) * time.Minute,
	})
	engine := decision.NewEngine(decision.Config{
		DefaultLeverage: cfg.Decision.DefaultLeverage,
		ManualLeverage:  cfg.Decision.ManualLeverage,
		MaxLeverage:     cfg.Decision.MaxLeverage,
	})
	positions := position.NewManager(gw, jnl, notifier, position.Config{
		StopATRMult:       cfg.Bracket.StopATRMult,
		TakeProfitATRMult: cfg.Bracket.TakeProfitATRMult,
		TriggerBufferPct:  cfg.Bracket.TriggerBufferPct,
		ProximityPct:      cfg.Bracket.ProximityPct,
		TakerFeePct:       cfg.Exchange.TakerFeePct,
	})
	feed := ctxfeed.NewClient(ctxfeed.Config{
		BaseURL:       cfg.Context.BaseURL,
		TimeoutMs:     cfg.Context.TimeoutMs,
		MaxRetries:    cfg.Context.MaxRetries,
		BackoffBaseMs: cfg.Context.BackoffBaseMs,
		BackoffMaxMs:  cfg.Context.BackoffMaxMs,
	})

	svc := trader.New(cfg, gw, feed, engine, governor, breaker, positions, jnl, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	opsSrv := ops.NewServer(cfg.Ops.Addr, svc, governor)
	opsSrv.Start()

	market := stream.NewClient(cfg.Symbols, cfg.Interval, cfg.Exchange.Testnet)
	go market.Run(ctx)

	notifier.Send(alerts.CategoryStatus, "Bot started",
		fmt.Sprintf("symbols=%v interval=%s testnet=%v", cfg.Symbols, cfg.Interval, cfg.Exchange.Testnet))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case candle, ok := <-market.Candles():
			if !ok {
				observ.LogError("market_stream_closed", fmt.Errorf("candle channel closed"), nil)
				shutdown(cancel, svc, opsSrv, notifier)
				return
			}
			// A slow cycle can leave a backlog in the stream buffer; only
			// the freshest close per symbol is worth deciding on.
			for _, fresh := range trader.DrainFreshest(candle, market.Candles()) {
				svc.HandleCandle(ctx, fresh)
			}
		case sig := <-sigCh:
			observ.Log("signal_received", map[string]any{"signal": sig.String()})
			shutdown(cancel, svc, opsSrv, notifier)
			return
		}
	}
}

// shutdown stops candle handling and the operator server. Open positions and
// brackets deliberately stay live on the exchange.
func shutdown(cancel context.CancelFunc, svc *trader.Service, opsSrv *ops.Server, notifier alerts.Notifier) {
	svc.Stop()
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = opsSrv.Shutdown(shCtx)
	notifier.Send(alerts.CategoryStatus, "Bot stopped", "open positions left live on the exchange")
	observ.Log("bot_stopped", nil)
}
