package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func webhookServer(t *testing.T, received *int32, lastBody *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if lastBody != nil {
			lastBody.Store(body)
		}
		atomic.AddInt32(received, 1)
		w.WriteHeader(http.StatusOK)
	}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSlackDeliversFormattedMessage(t *testing.T) {
	var received int32
	var lastBody atomic.Value
	srv := webhookServer(t, &received, &lastBody)
	defer srv.Close()

	c := NewSlackClient(Config{Enabled: true, WebhookURL: srv.URL, Channel: "#trading"})
	defer c.Close()

	c.Send(CategoryTrade, "Opened LONG BTCUSDT", "qty=0.5 price=81000")
	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 1 })

	var msg SlackMessage
	if err := json.Unmarshal(lastBody.Load().([]byte), &msg); err != nil {
		t.Fatalf("webhook body: %v", err)
	}
	if msg.Channel != "#trading" {
		t.Fatalf("channel = %q", msg.Channel)
	}
	if len(msg.Attachments) == 0 || msg.Attachments[0].Color != "good" {
		t.Fatalf("trade alerts use the good color, got %+v", msg.Attachments)
	}
}

func TestSlackDedupesWithinWindow(t *testing.T) {
	var received int32
	srv := webhookServer(t, &received, nil)
	defer srv.Close()

	c := NewSlackClient(Config{Enabled: true, WebhookURL: srv.URL, DedupeWindowSecs: 60})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Send(CategoryError, "Context fetch failed", "timeout")
	}
	c.Send(CategoryError, "Context fetch failed", "different body")

	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 2 })
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&received); got != 2 {
		t.Fatalf("identical alerts inside the window must collapse, got %d deliveries", got)
	}
}

func TestSlackDisabledSendsNothing(t *testing.T) {
	var received int32
	srv := webhookServer(t, &received, nil)
	defer srv.Close()

	c := NewSlackClient(Config{Enabled: false, WebhookURL: srv.URL})
	defer c.Close()

	c.Send(CategoryStatus, "Heartbeat", "running")
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&received) != 0 {
		t.Fatal("disabled client must not deliver")
	}
}

func TestSlackRateLimit(t *testing.T) {
	var received int32
	srv := webhookServer(t, &received, nil)
	defer srv.Close()

	c := NewSlackClient(Config{Enabled: true, WebhookURL: srv.URL, MaxPerMinute: 3, DedupeWindowSecs: 1})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Send(CategoryStatus, "Heartbeat", string(rune('a'+i)))
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 3 })
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&received); got != 3 {
		t.Fatalf("per-minute cap of 3 must hold, got %d", got)
	}
}
