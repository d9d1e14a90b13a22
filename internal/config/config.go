package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Exchange struct {
	Testnet        bool    `yaml:"testnet"`
	RequestsPerSec float64 `yaml:"requests_per_sec"` // REST request pacing
	Burst          int     `yaml:"burst"`
	TakerFeePct    float64 `yaml:"taker_fee_pct"` // e.g. 0.05 = 5 bps per side
}

type Risk struct {
	DailyLossLimitUSD float64 `yaml:"daily_loss_limit_usd"`
	MaxMarginRatio    float64 `yaml:"max_margin_ratio"` // maintenance margin / margin balance
}

type Breaker struct {
	WindowMinutes int     `yaml:"window_minutes"`
	ThresholdPct  float64 `yaml:"threshold_pct"`
	PauseMinutes  int     `yaml:"pause_minutes"`
}

type Decision struct {
	DefaultLeverage int     `yaml:"default_leverage"`
	ManualLeverage  int     `yaml:"manual_leverage"` // 0 = derive from regime x rule
	MaxLeverage     int     `yaml:"max_leverage"`
	PositionRatio   float64 `yaml:"position_ratio"` // fraction of balance per entry
	MinNotionalUSD  float64 `yaml:"min_notional_usd"`
}

type Bracket struct {
	StopATRMult       float64 `yaml:"stop_atr_mult"`
	TakeProfitATRMult float64 `yaml:"take_profit_atr_mult"`
	TriggerBufferPct  float64 `yaml:"trigger_buffer_pct"` // min distance from mark before submit
	ProximityPct      float64 `yaml:"proximity_pct"`      // external-close reason matching tolerance
}

type ContextFeed struct {
	BaseURL       string `yaml:"base_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Slack struct {
	Enabled          bool   `yaml:"enabled"`
	WebhookURLEnv    string `yaml:"webhook_url_env"` // env var holding the webhook URL
	Channel          string `yaml:"channel"`
	QueueSize        int    `yaml:"queue_size"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
	MaxPerMinute     int    `yaml:"max_per_minute"`
}

type Log struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // empty or "stdout" = stdout, else rotated file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Ops struct {
	Addr string `yaml:"addr"`
}

type Timers struct {
	HeartbeatHours int    `yaml:"heartbeat_hours"`
	DailyReportUTC string `yaml:"daily_report_utc"` // "HH:MM" wall clock
}

type Root struct {
	Symbols  []string    `yaml:"symbols"`
	Interval string      `yaml:"interval"` // candle interval, e.g. "15m"
	Exchange Exchange    `yaml:"exchange"`
	Risk     Risk        `yaml:"risk"`
	Breaker  Breaker     `yaml:"breaker"`
	Decision Decision    `yaml:"decision"`
	Bracket  Bracket     `yaml:"bracket"`
	Context  ContextFeed `yaml:"context"`
	Journal  Journal     `yaml:"journal"`
	Slack    Slack       `yaml:"slack"`
	Log      Log         `yaml:"log"`
	Ops      Ops         `yaml:"ops"`
	Timers   Timers      `yaml:"timers"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTCUSDT"}
	}
	if c.Interval == "" {
		c.Interval = "15m"
	}
	if c.Exchange.RequestsPerSec == 0 {
		c.Exchange.RequestsPerSec = 8
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 16
	}
	if c.Exchange.TakerFeePct == 0 {
		c.Exchange.TakerFeePct = 0.05
	}
	if c.Risk.DailyLossLimitUSD == 0 {
		c.Risk.DailyLossLimitUSD = 100
	}
	if c.Risk.MaxMarginRatio == 0 {
		c.Risk.MaxMarginRatio = 0.8
	}
	if c.Breaker.WindowMinutes == 0 {
		c.Breaker.WindowMinutes = 60
	}
	if c.Breaker.ThresholdPct == 0 {
		c.Breaker.ThresholdPct = 2.0
	}
	if c.Breaker.PauseMinutes == 0 {
		c.Breaker.PauseMinutes = 30
	}
	if c.Decision.DefaultLeverage == 0 {
		c.Decision.DefaultLeverage = 3
	}
	if c.Decision.MaxLeverage == 0 {
		c.Decision.MaxLeverage = 10
	}
	if c.Decision.PositionRatio == 0 {
		c.Decision.PositionRatio = 0.1
	}
	if c.Decision.MinNotionalUSD == 0 {
		c.Decision.MinNotionalUSD = 100
	}
	if c.Bracket.StopATRMult == 0 {
		c.Bracket.StopATRMult = 1.5
	}
	if c.Bracket.TakeProfitATRMult == 0 {
		c.Bracket.TakeProfitATRMult = 2.5
	}
	if c.Bracket.TriggerBufferPct == 0 {
		c.Bracket.TriggerBufferPct = 0.1
	}
	if c.Bracket.ProximityPct == 0 {
		c.Bracket.ProximityPct = 0.5
	}
	if c.Context.BaseURL == "" {
		c.Context.BaseURL = "http://localhost:8091"
	}
	if c.Context.TimeoutMs == 0 {
		c.Context.TimeoutMs = 5000
	}
	if c.Context.MaxRetries == 0 {
		c.Context.MaxRetries = 3
	}
	if c.Context.BackoffBaseMs == 0 {
		c.Context.BackoffBaseMs = 100
	}
	if c.Context.BackoffMaxMs == 0 {
		c.Context.BackoffMaxMs = 5000
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/trades.db"
	}
	if c.Slack.WebhookURLEnv == "" {
		c.Slack.WebhookURLEnv = "SLACK_WEBHOOK_URL"
	}
	if c.Slack.QueueSize == 0 {
		c.Slack.QueueSize = 1000
	}
	if c.Slack.DedupeWindowSecs == 0 {
		c.Slack.DedupeWindowSecs = 60
	}
	if c.Slack.MaxPerMinute == 0 {
		c.Slack.MaxPerMinute = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 14
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = "127.0.0.1:8090" // loopback to avoid firewall prompts
	}
	if c.Timers.HeartbeatHours == 0 {
		c.Timers.HeartbeatHours = 6
	}
	if c.Timers.DailyReportUTC == "" {
		c.Timers.DailyReportUTC = "23:55"
	}

	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

func validate(c Root) error {
	if c.Decision.PositionRatio < 0 || c.Decision.PositionRatio > 1 {
		return fmt.Errorf("position_ratio must be in [0,1], got %v", c.Decision.PositionRatio)
	}
	if c.Decision.MaxLeverage < c.Decision.DefaultLeverage {
		return fmt.Errorf("max_leverage %d below default_leverage %d", c.Decision.MaxLeverage, c.Decision.DefaultLeverage)
	}
	if c.Bracket.StopATRMult <= 0 || c.Bracket.TakeProfitATRMult <= 0 {
		return fmt.Errorf("bracket ATR multipliers must be positive")
	}
	if c.Timers.HeartbeatHours <= 0 {
		return fmt.Errorf("heartbeat_hours must be positive, got %d", c.Timers.HeartbeatHours)
	}
	if c.Breaker.WindowMinutes <= 0 || c.Breaker.PauseMinutes <= 0 {
		return fmt.Errorf("breaker window and pause minutes must be positive")
	}
	return nil
}
