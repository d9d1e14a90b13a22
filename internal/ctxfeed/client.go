package ctxfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/perpkit/perpbot/internal/decision"
	"github.com/perpkit/perpbot/internal/observ"
	"github.com/perpkit/perpbot/internal/stream"
)

// Config mirrors the context block of the bot configuration.
type Config struct {
	BaseURL       string
	TimeoutMs     int
	MaxRetries    int
	BackoffBaseMs int
	BackoffMaxMs  int
}

// Client fetches the per-cycle market context from the collaborator service:
// indicator vector, regime classification, rule signal, and the oracle's
// predict(state) -> (action, confidence) output. All of that computation
// lives on the other side of this HTTP boundary.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffMax: time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
}

type contextRequest struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	CloseAt  int64   `json:"close_time_ms"`
}

type contextResponse struct {
	Close  float64                 `json:"close"`
	ATR    float64                 `json:"atr"`
	RSI    float64                 `json:"rsi"`
	Regime decision.Regime         `json:"regime"`
	Rule   *decision.RuleSignal    `json:"rule,omitempty"`
	Oracle decision.OracleDecision `json:"oracle"`
	Error  string                  `json:"error,omitempty"`
}

// Fetch posts the closed candle and returns the assembled market context.
// Retries with exponential backoff and jitter; a cycle without context is a
// skipped cycle, so the caller treats the final error as fatal for this event
// only.
func (c *Client) Fetch(ctx context.Context, candle stream.Candle) (decision.MarketContext, error) {
	payload, err := json.Marshal(contextRequest{
		Symbol:   candle.Symbol,
		Interval: candle.Interval,
		Open:     candle.Open,
		High:     candle.High,
		Low:      candle.Low,
		Close:    candle.Close,
		Volume:   candle.Volume,
		CloseAt:  candle.CloseTime.UnixMilli(),
	})
	if err != nil {
		return decision.MarketContext{}, fmt.Errorf("marshal context request: %w", err)
	}

	requestURL := c.baseURL + "/v1/context"
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			if wait > c.backoffMax {
				wait = c.backoffMax
			}
			wait += time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return decision.MarketContext{}, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
		if err != nil {
			return decision.MarketContext{}, fmt.Errorf("build context request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("context request: %w", err)
			continue
		}

		mctx, err := c.parse(resp, candle)
		if err != nil {
			lastErr = err
			continue
		}

		observ.Observe("ctxfeed_fetch_seconds", time.Since(start).Seconds(), map[string]string{"symbol": candle.Symbol})
		return mctx, nil
	}
	observ.IncCounter("ctxfeed_failures_total", map[string]string{"symbol": candle.Symbol})
	return decision.MarketContext{}, lastErr
}

func (c *Client) parse(resp *http.Response, candle stream.Candle) (decision.MarketContext, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decision.MarketContext{}, fmt.Errorf("context service HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out contextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decision.MarketContext{}, fmt.Errorf("decode context response: %w", err)
	}
	if out.Error != "" {
		return decision.MarketContext{}, fmt.Errorf("context service: %s", out.Error)
	}

	px := out.Close
	if px == 0 {
		px = candle.Close
	}
	return decision.MarketContext{
		Symbol:    candle.Symbol,
		Close:     px,
		ATR:       out.ATR,
		RSI:       out.RSI,
		Regime:    out.Regime,
		Rule:      out.Rule,
		Oracle:    out.Oracle,
		Timestamp: time.Now().UTC(),
	}, nil
}
