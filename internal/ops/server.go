package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/perpkit/perpbot/internal/observ"
	"github.com/perpkit/perpbot/internal/risk"
	"github.com/perpkit/perpbot/internal/trader"
)

// Server is the operator surface: health, metrics, a status snapshot, and a
// handful of control knobs. It binds to loopback by default; there is no
// authentication layer here, access control is the host's problem.
type Server struct {
	addr     string
	svc      *trader.Service
	governor *risk.Governor
	httpSrv  *http.Server
}

func NewServer(addr string, svc *trader.Service, governor *risk.Governor) *Server {
	return &Server{addr: addr, svc: svc, governor: governor}
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/control/kill", s.handleKill)
	mux.HandleFunc("/control/pause", s.handlePause)
	mux.HandleFunc("/control/resume", s.handleResume)
	mux.HandleFunc("/control/restart-risk", s.handleRestartRisk)
	mux.HandleFunc("/control/risk-config", s.handleRiskConfig)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.LogError("ops_server_failed", err, map[string]any{"addr": s.addr})
		}
	}()
	observ.Log("ops_server_started", map[string]any{"addr": s.addr})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// handleKill toggles the manual kill switch: ?on=true | ?on=false.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	on := r.URL.Query().Get("on") != "false"
	s.governor.SetKillSwitch(on)
	observ.Log("kill_switch_set", map[string]any{"on": on, "remote": r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": on})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.svc.Pause()
	observ.Log("trading_paused", map[string]any{"remote": r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.svc.Resume()
	observ.Log("trading_resumed", map[string]any{"remote": r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

// handleRestartRisk lifts a latched STOPPED state after operator review.
func (s *Server) handleRestartRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.governor.Restart()
	observ.Log("risk_restarted", map[string]any{"remote": r.RemoteAddr})
	writeJSON(w, http.StatusOK, map[string]any{"risk_status": "NORMAL"})
}

func (s *Server) handleRiskConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DailyLossLimitUSD float64 `json:"daily_loss_limit_usd"`
		MaxMarginRatio    float64 `json:"max_margin_ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DailyLossLimitUSD <= 0 || req.MaxMarginRatio <= 0 || req.MaxMarginRatio > 1 {
		http.Error(w, "limits must be positive, margin ratio in (0,1]", http.StatusBadRequest)
		return
	}
	s.governor.UpdateConfig(risk.GovernorConfig{
		DailyLossLimitUSD: req.DailyLossLimitUSD,
		MaxMarginRatio:    req.MaxMarginRatio,
	})
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
