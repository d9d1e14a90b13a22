package risk

import (
	"sync"
	"time"

	"github.com/perpkit/perpbot/internal/observ"
)

// LossBreaker pauses trading when recent realized losses add up too fast.
// It reacts to the *rate* of loss, not absolute drawdown (that is the
// Governor's job), and recovers on its own once the pause expires with no
// operator action required. State is in-memory only; a restart starts clean.
type LossBreaker struct {
	mu sync.Mutex

	window    time.Duration
	threshold float64 // summed loss pct that trips the breaker
	pauseFor  time.Duration

	losses      []lossRecord
	pausedUntil time.Time

	now func() time.Time // injectable for tests
}

type lossRecord struct {
	ts      time.Time
	lossPct float64
}

type BreakerConfig struct {
	Window       time.Duration
	ThresholdPct float64
	Pause        time.Duration
}

func NewLossBreaker(cfg BreakerConfig) *LossBreaker {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.ThresholdPct <= 0 {
		cfg.ThresholdPct = 2.0
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 30 * time.Minute
	}
	return &LossBreaker{
		window:    cfg.Window,
		threshold: cfg.ThresholdPct,
		pauseFor:  cfg.Pause,
		now:       time.Now,
	}
}

// Record adds one realized loss. Winning trades are never recorded; only
// losses erode the budget. lossPct must be positive.
func (b *LossBreaker) Record(lossPct float64) {
	if lossPct <= 0 {
		return
	}
	b.mu.Lock()
	b.losses = append(b.losses, lossRecord{ts: b.now(), lossPct: lossPct})
	b.mu.Unlock()
	observ.IncCounter("breaker_losses_recorded_total", nil)
}

// IsPaused reports whether trading is paused, tripping the breaker as a side
// effect when the windowed loss sum crosses the threshold. While a pause is
// active the answer is true regardless of new input; once it expires the
// pause lifts on the next call.
func (b *LossBreaker) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.pausedUntil) {
		return true
	}

	b.evictLocked(now)
	sum := 0.0
	for _, l := range b.losses {
		sum += l.lossPct
	}
	observ.SetGauge("breaker_window_loss_pct", sum, nil)

	if sum > b.threshold {
		b.pausedUntil = now.Add(b.pauseFor)
		// The recorded losses are consumed by the trip; otherwise the same
		// window would re-trip the moment the pause lifts.
		b.losses = nil
		observ.IncCounter("breaker_trips_total", nil)
		observ.Log("breaker_tripped", map[string]any{
			"window_loss_pct": sum,
			"threshold_pct":   b.threshold,
			"paused_until":    b.pausedUntil.UTC().Format(time.RFC3339),
		})
		return true
	}
	return false
}

// PausedUntil returns the pause deadline (zero when not paused) for status
// output and trip-once notification bookkeeping.
func (b *LossBreaker) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.pausedUntil) {
		return b.pausedUntil
	}
	return time.Time{}
}

// WindowLoss returns the current summed loss inside the trailing window.
func (b *LossBreaker) WindowLoss() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(b.now())
	sum := 0.0
	for _, l := range b.losses {
		sum += l.lossPct
	}
	return sum
}

// evictLocked drops records older than the window. Lazy, by timestamp.
func (b *LossBreaker) evictLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.losses[:0]
	for _, l := range b.losses {
		if l.ts.After(cutoff) {
			kept = append(kept, l)
		}
	}
	b.losses = kept
}
