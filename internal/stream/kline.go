package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpkit/perpbot/internal/observ"
)

// Candle is one kline event from the market stream. The control loop only
// acts on Closed candles; open-candle updates are delivered for status only.
type Candle struct {
	Symbol    string
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	OpenTime  time.Time
	CloseTime time.Time
	Closed    bool
}

const (
	mainnetWS = "wss://fstream.binance.com/stream"
	testnetWS = "wss://stream.binancefuture.com/stream"

	readTimeout  = 90 * time.Second // venue pings every ~3 minutes at worst
	writeTimeout = 10 * time.Second
)

// Client maintains one combined-stream connection for all configured symbols
// and republishes parsed candles on a bounded channel. On overflow the oldest
// unread candle is dropped: only the freshest market state matters here.
type Client struct {
	url     string
	out     chan Candle
	symbols []string
}

func NewClient(symbols []string, interval string, testnet bool) *Client {
	base := mainnetWS
	if testnet {
		base = testnetWS
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), interval))
	}
	return &Client{
		url:     base + "?streams=" + strings.Join(streams, "/"),
		out:     make(chan Candle, 256),
		symbols: symbols,
	}
}

// Candles returns the stream channel. Closed when Run exits.
func (c *Client) Candles() <-chan Candle { return c.out }

// Run connects and pumps until ctx is done, reconnecting with capped
// exponential backoff on any read failure.
func (c *Client) Run(ctx context.Context) {
	defer close(c.out)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.pump(ctx)
		if ctx.Err() != nil {
			return
		}
		observ.IncCounter("stream_reconnects_total", nil)
		observ.LogWarn("stream_disconnected", map[string]any{
			"error":      fmt.Sprint(err),
			"backoff_ms": backoff.Milliseconds(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Client) pump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	observ.Log("stream_connected", map[string]any{"symbols": c.symbols})

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		candle, ok, err := parseCombined(raw)
		if err != nil {
			observ.IncCounter("stream_parse_errors_total", nil)
			continue
		}
		if !ok {
			continue
		}
		select {
		case c.out <- candle:
		default:
			// Full buffer: evict the oldest so the freshest candle wins.
			select {
			case <-c.out:
			default:
			}
			c.out <- candle
			observ.IncCounter("stream_dropped_total", nil)
		}
	}
}

// Wire shapes for the combined kline stream.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

func parseCombined(raw []byte) (Candle, bool, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Candle{}, false, err
	}
	if env.Data == nil {
		return Candle{}, false, nil
	}
	var ev klineEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return Candle{}, false, err
	}
	if ev.Event != "kline" {
		return Candle{}, false, nil
	}
	return Candle{
		Symbol:    ev.Symbol,
		Interval:  ev.Kline.Interval,
		Open:      parseF(ev.Kline.Open),
		High:      parseF(ev.Kline.High),
		Low:       parseF(ev.Kline.Low),
		Close:     parseF(ev.Kline.Close),
		Volume:    parseF(ev.Kline.Volume),
		OpenTime:  time.UnixMilli(ev.Kline.OpenTime).UTC(),
		CloseTime: time.UnixMilli(ev.Kline.CloseTime).UTC(),
		Closed:    ev.Kline.Final,
	}, true, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
