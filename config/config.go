// Package config loads the engine configuration from a YAML or JSON
// file into typed sections, with defaults and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Account    AccountConfig    `json:"account" yaml:"account"`
	Trading    TradingConfig    `json:"trading" yaml:"trading"`
	Orders     OrdersConfig     `json:"orders" yaml:"orders"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Reconcile  ReconcileConfig  `json:"reconcile" yaml:"reconcile"`
	Watchdog   WatchdogConfig   `json:"watchdog" yaml:"watchdog"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// AccountConfig selects the venue and account mode.
type AccountConfig struct {
	Live         bool    `json:"live" yaml:"live"`       // real account vs virtual/simulated
	DryRun       bool    `json:"dry_run" yaml:"dry_run"` // compute orders, never send
	VenueURL     string  `json:"venue_url" yaml:"venue_url"`
	VenueToken   string  `json:"venue_token" yaml:"venue_token"`
	PaperCash    float64 `json:"paper_cash" yaml:"paper_cash"` // starting cash for the paper broker
	PaperFeePct  float64 `json:"paper_fee_pct" yaml:"paper_fee_pct"`
	PaperSlipPct float64 `json:"paper_slip_pct" yaml:"paper_slip_pct"`
}

// TradingConfig sets position targets and exit levels.
type TradingConfig struct {
	Universe         []string  `json:"universe" yaml:"universe"`
	TargetPositions  int       `json:"target_positions" yaml:"target_positions"`
	StopLossPct      float64   `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPcts   []float64 `json:"take_profit_pcts" yaml:"take_profit_pcts"` // staged targets, ascending
	TrailRetracePct  float64   `json:"trail_retrace_pct" yaml:"trail_retrace_pct"`
	MinOrderNotional float64   `json:"min_order_notional" yaml:"min_order_notional"`
}

// OrdersConfig tunes the executor.
type OrdersConfig struct {
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"`
	MaxPendingAge    Duration `json:"max_pending_age" yaml:"max_pending_age"`
	RealRateInterval Duration `json:"real_rate_interval" yaml:"real_rate_interval"`
	SimRateInterval  Duration `json:"sim_rate_interval" yaml:"sim_rate_interval"`
}

// ScheduleConfig fixes the trigger times. Daily times are "HH:MM" in
// local time.
type ScheduleConfig struct {
	ScreeningTime   string       `json:"screening_time" yaml:"screening_time"`
	ExecutionTime   string       `json:"execution_time" yaml:"execution_time"`
	ReportTime      string       `json:"report_time" yaml:"report_time"`
	MonitorInterval Duration     `json:"monitor_interval" yaml:"monitor_interval"`
	ReconcileDay    time.Weekday `json:"reconcile_day" yaml:"reconcile_day"`
	ReconcileTime   string       `json:"reconcile_time" yaml:"reconcile_time"`
}

// ResilienceConfig bounds the timeout ladder.
type ResilienceConfig struct {
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout"`
	ItemTimeout    Duration `json:"item_timeout" yaml:"item_timeout"`
	BatchTimeout   Duration `json:"batch_timeout" yaml:"batch_timeout"`
	CycleWarnAfter Duration `json:"cycle_warn_after" yaml:"cycle_warn_after"`
	BreakerStrikes int      `json:"breaker_strikes" yaml:"breaker_strikes"`
	Workers        int      `json:"workers" yaml:"workers"`
}

// ReconcileConfig sets deviation thresholds. Deviations above
// DeviationPct are corrected from the authoritative source; above
// AlertOnlyPct the engine alerts and leaves correction to an operator.
type ReconcileConfig struct {
	DeviationPct float64 `json:"deviation_pct" yaml:"deviation_pct"`
	AlertOnlyPct float64 `json:"alert_only_pct" yaml:"alert_only_pct"`
}

// WatchdogConfig drives the external supervisor.
type WatchdogConfig struct {
	HeartbeatFile string   `json:"heartbeat_file" yaml:"heartbeat_file"`
	HangTimeout   Duration `json:"hang_timeout" yaml:"hang_timeout"`
	GracePeriod   Duration `json:"grace_period" yaml:"grace_period"`
	RestartDelay  Duration `json:"restart_delay" yaml:"restart_delay"`
}

// StorageConfig locates the durable files.
type StorageConfig struct {
	StateFile     string `json:"state_file" yaml:"state_file"`
	JournalType   string `json:"journal_type" yaml:"journal_type"` // "jsonl" or "sqlite"
	JournalFile   string `json:"journal_file" yaml:"journal_file"`
	SnapshotsFile string `json:"snapshots_file" yaml:"snapshots_file"`
	JournalDB     string `json:"journal_db" yaml:"journal_db"`
	ReconcileFile string `json:"reconcile_file" yaml:"reconcile_file"`
}

type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"` // empty disables the endpoint
}

// Default returns a runnable virtual-account configuration.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			DryRun:    true,
			PaperCash: 100000,
		},
		Trading: TradingConfig{
			TargetPositions:  5,
			StopLossPct:      0.05,
			TakeProfitPcts:   []float64{0.10, 0.20},
			TrailRetracePct:  0.07,
			MinOrderNotional: 10,
		},
		Orders: OrdersConfig{
			MaxRetries:       4,
			MaxPendingAge:    Duration(10 * time.Minute),
			RealRateInterval: Duration(200 * time.Millisecond),
			SimRateInterval:  Duration(1 * time.Second),
		},
		Schedule: ScheduleConfig{
			ScreeningTime:   "08:30",
			ExecutionTime:   "09:05",
			ReportTime:      "16:10",
			MonitorInterval: Duration(5 * time.Minute),
			ReconcileDay:    time.Sunday,
			ReconcileTime:   "07:00",
		},
		Resilience: ResilienceConfig{
			ConnectTimeout: Duration(5 * time.Second),
			ReadTimeout:    Duration(10 * time.Second),
			ItemTimeout:    Duration(15 * time.Second),
			BatchTimeout:   Duration(2 * time.Minute),
			CycleWarnAfter: Duration(5 * time.Minute),
			BreakerStrikes: 3,
			Workers:        4,
		},
		Reconcile: ReconcileConfig{
			DeviationPct: 0.01,
			AlertOnlyPct: 0.05,
		},
		Watchdog: WatchdogConfig{
			HeartbeatFile: "autotrader.heartbeat",
			HangTimeout:   Duration(10 * time.Minute),
			GracePeriod:   Duration(2 * time.Minute),
			RestartDelay:  Duration(5 * time.Second),
		},
		Storage: StorageConfig{
			StateFile:     "engine_state.json",
			JournalType:   "jsonl",
			JournalFile:   "transactions.jsonl",
			SnapshotsFile: "daily_snapshots.json",
			JournalDB:     "journal.db",
			ReconcileFile: "reconciliations.jsonl",
		},
	}
}

// LoadFromFile loads configuration from a file (YAML or JSON), applied
// on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Account.Live && c.Account.VenueURL == "" {
		return fmt.Errorf("account.venue_url is required for a live account")
	}
	if !c.Account.Live && c.Account.PaperCash <= 0 {
		return fmt.Errorf("account.paper_cash must be positive for a virtual account")
	}
	if c.Trading.TargetPositions <= 0 {
		return fmt.Errorf("trading.target_positions must be positive")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("trading.stop_loss_pct must be between 0 and 1")
	}
	for i, tp := range c.Trading.TakeProfitPcts {
		if tp <= 0 {
			return fmt.Errorf("trading.take_profit_pcts[%d] must be positive", i)
		}
		if i > 0 && tp <= c.Trading.TakeProfitPcts[i-1] {
			return fmt.Errorf("trading.take_profit_pcts must be ascending")
		}
	}
	if c.Trading.TrailRetracePct <= 0 || c.Trading.TrailRetracePct >= 1 {
		return fmt.Errorf("trading.trail_retrace_pct must be between 0 and 1")
	}
	if _, err := ParseClock(c.Schedule.ScreeningTime); err != nil {
		return fmt.Errorf("schedule.screening_time: %w", err)
	}
	if _, err := ParseClock(c.Schedule.ExecutionTime); err != nil {
		return fmt.Errorf("schedule.execution_time: %w", err)
	}
	if _, err := ParseClock(c.Schedule.ReportTime); err != nil {
		return fmt.Errorf("schedule.report_time: %w", err)
	}
	if _, err := ParseClock(c.Schedule.ReconcileTime); err != nil {
		return fmt.Errorf("schedule.reconcile_time: %w", err)
	}
	if c.Schedule.MonitorInterval <= 0 {
		return fmt.Errorf("schedule.monitor_interval must be positive")
	}
	if c.Resilience.BatchTimeout <= c.Resilience.ItemTimeout {
		return fmt.Errorf("resilience.batch_timeout must exceed item_timeout")
	}
	if c.Resilience.BreakerStrikes <= 0 {
		return fmt.Errorf("resilience.breaker_strikes must be positive")
	}
	if c.Resilience.Workers <= 0 {
		return fmt.Errorf("resilience.workers must be positive")
	}
	if c.Reconcile.DeviationPct <= 0 {
		return fmt.Errorf("reconcile.deviation_pct must be positive")
	}
	if c.Reconcile.AlertOnlyPct < c.Reconcile.DeviationPct {
		return fmt.Errorf("reconcile.alert_only_pct must be >= deviation_pct")
	}
	if c.Watchdog.HangTimeout <= 0 || c.Watchdog.GracePeriod < 0 {
		return fmt.Errorf("watchdog timeouts must be positive")
	}
	switch c.Storage.JournalType {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("storage.journal_type must be jsonl or sqlite")
	}
	return nil
}

// SaveToFile writes the config back out, format chosen by extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if n := len(path); (n > 5 && path[n-5:] == ".yaml") || (n > 4 && path[n-4:] == ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hm [2]int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return hm, fmt.Errorf("want HH:MM, got %q", s)
	}
	return [2]int{t.Hour(), t.Minute()}, nil
}
