package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/perpkit/perpbot/internal/observ"
)

// Notifier is the fire-and-forget notification sink consumed by the trading
// core. Send must never block the decision cycle.
type Notifier interface {
	Send(category, title, body string)
}

// Alert categories used across the bot.
const (
	CategoryTrade     = "trade"
	CategoryRisk      = "risk"
	CategoryBreaker   = "breaker"
	CategoryReconcile = "reconcile"
	CategoryError     = "error"
	CategoryStatus    = "status"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type Config struct {
	Enabled          bool
	WebhookURL       string
	Channel          string
	QueueSize        int
	DedupeWindowSecs int
	MaxPerMinute     int
}

type queuedAlert struct {
	category  string
	title     string
	body      string
	ts        time.Time
	attempts  int
	nextRetry time.Time
}

// SlackClient delivers alerts through a Slack webhook with a bounded queue,
// a short dedupe window, and a global per-minute rate limit. Delivery is
// best-effort: when the queue is full the oldest alert is dropped.
type SlackClient struct {
	cfg        Config
	httpClient *http.Client
	queue      chan queuedAlert

	mu          sync.Mutex
	dedupeCache map[string]time.Time
	sentTimes   []time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlackClient(cfg Config) *SlackClient {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DedupeWindowSecs <= 0 {
		cfg.DedupeWindowSecs = 60
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &SlackClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, cfg.QueueSize),
		dedupeCache: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.wg.Add(2)
	go c.worker()
	go c.cleanup()
	return c
}

// Send enqueues one alert. Duplicate (category, title, body) triples inside
// the dedupe window are silently skipped.
func (s *SlackClient) Send(category, title, body string) {
	if !s.cfg.Enabled {
		return
	}

	hash := dedupeHash(category, title, body)
	s.mu.Lock()
	if last, ok := s.dedupeCache[hash]; ok {
		if time.Since(last) < time.Duration(s.cfg.DedupeWindowSecs)*time.Second {
			s.mu.Unlock()
			observ.IncCounter("alerts_deduped_total", map[string]string{"category": category})
			return
		}
	}
	s.dedupeCache[hash] = time.Now()

	if s.rateLimitedLocked() {
		s.mu.Unlock()
		observ.IncCounter("alerts_rate_limited_total", map[string]string{"category": category})
		return
	}
	s.mu.Unlock()

	alert := queuedAlert{category: category, title: title, body: body, ts: time.Now()}
	select {
	case s.queue <- alert:
	default:
		// Full queue: drop the oldest, keep the freshest.
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- alert:
		default:
		}
		observ.IncCounter("alerts_dropped_total", map[string]string{"category": category})
	}
}

// rateLimitedLocked enforces the global per-minute cap. Caller holds s.mu.
func (s *SlackClient) rateLimitedLocked() bool {
	cutoff := time.Now().Add(-time.Minute)
	filtered := s.sentTimes[:0]
	for _, t := range s.sentTimes {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	s.sentTimes = filtered
	if len(s.sentTimes) >= s.cfg.MaxPerMinute {
		return true
	}
	s.sentTimes = append(s.sentTimes, time.Now())
	return false
}

func (s *SlackClient) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case alert := <-s.queue:
			if time.Now().Before(alert.nextRetry) {
				s.requeueLater(alert)
				continue
			}
			if s.sendWebhook(alert) {
				observ.IncCounter("alerts_sent_total", map[string]string{"category": alert.category})
				continue
			}
			alert.attempts++
			if alert.attempts >= 3 {
				observ.IncCounter("alerts_webhook_errors_total", map[string]string{"category": alert.category})
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(alert.attempts))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			alert.nextRetry = time.Now().Add(backoff + jitter)
			s.requeueLater(alert)
		}
	}
}

func (s *SlackClient) requeueLater(alert queuedAlert) {
	go func() {
		select {
		case <-time.After(time.Until(alert.nextRetry)):
		case <-s.ctx.Done():
			return
		}
		select {
		case s.queue <- alert:
		case <-s.ctx.Done():
		default:
		}
	}()
}

func (s *SlackClient) sendWebhook(alert queuedAlert) bool {
	msg := s.formatMessage(alert)
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if len(payload) > 4000 {
		payload = append(payload[:3900], []byte("...\"}")...)
	}

	resp, err := s.httpClient.Post(s.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *SlackClient) formatMessage(alert queuedAlert) SlackMessage {
	color := "good"
	switch alert.category {
	case CategoryRisk, CategoryError:
		color = "danger"
	case CategoryBreaker, CategoryReconcile:
		color = "warning"
	}
	return SlackMessage{
		Channel: s.cfg.Channel,
		Text:    alert.title,
		Attachments: []SlackAttachment{{
			Color: color,
			Fields: []SlackField{
				{Title: "Category", Value: alert.category, Short: true},
				{Title: "Time", Value: alert.ts.UTC().Format("15:04:05 MST"), Short: true},
				{Title: "Detail", Value: alert.body, Short: false},
			},
		}},
	}
}

func (s *SlackClient) cleanup() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-5 * time.Minute)
			for hash, ts := range s.dedupeCache {
				if ts.Before(cutoff) {
					delete(s.dedupeCache, hash)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *SlackClient) Close() {
	s.cancel()
	s.wg.Wait()
}

func dedupeHash(category, title, body string) string {
	sum := sha256.Sum256([]byte(category + ":" + title + ":" + body))
	return fmt.Sprintf("%x", sum)[:16]
}
