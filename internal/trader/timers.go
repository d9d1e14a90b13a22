package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/perpkit/perpbot/internal/alerts"
	"github.com/perpkit/perpbot/internal/journal"
	"github.com/perpkit/perpbot/internal/observ"
)

// heartbeatLoop sends a liveness summary at a fixed interval. It reads status
// snapshots only; it never mutates trading state.
func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Timers.HeartbeatHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Service) sendHeartbeat() {
	status := s.Status()
	wins, losses := s.positions.Stats()
	body := fmt.Sprintf("running=%v cycles=%v wins=%d losses=%d risk=%s",
		status["running"], status["cycles"], wins, losses, status["risk_status"])
	if until, ok := status["breaker_paused_until"]; ok {
		body += fmt.Sprintf(" breaker_paused_until=%v", until)
	}
	s.notifier.Send(alerts.CategoryStatus, "Heartbeat", body)
	observ.Log("heartbeat", status)
}

// dailyReportLoop fires at the configured UTC wall-clock time. Scheduling is
// by next occurrence, not offset polling, so a restart mid-day still reports
// at the right moment.
func (s *Service) dailyReportLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := time.Until(nextOccurrence(s.cfg.Timers.DailyReportUTC, time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sendDailyReport()
		}
	}
}

// nextOccurrence returns the next UTC wall-clock instant matching "HH:MM"
// strictly after now.
func nextOccurrence(hhmm string, now time.Time) time.Time {
	parts := strings.SplitN(hhmm, ":", 2)
	hour, minute := 23, 55
	if len(parts) == 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (s *Service) sendDailyReport() {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	records, err := s.jnl.ListSince(dayStart)
	if err != nil {
		observ.LogError("daily_report_failed", err, nil)
		return
	}

	var pnl, commission float64
	closes, wins := 0, 0
	for _, r := range records {
		if r.Action == journal.ActionClose {
			closes++
			pnl += r.RealizedPnL
			if r.RealizedPnL >= 0 {
				wins++
			}
		}
		commission += r.Commission
	}

	body := fmt.Sprintf("trades=%d closes=%d wins=%d pnl=%.2f commission=%.2f",
		len(records), closes, wins, pnl, commission)
	s.notifier.Send(alerts.CategoryStatus, "Daily report", body)
	observ.Log("daily_report", map[string]any{
		"trades": len(records), "closes": closes, "wins": wins,
		"pnl": pnl, "commission": commission,
	})
}
