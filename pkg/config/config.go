package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds credentials and wiring settings from the environment plus the
// trading parameters file. It is validated once at startup; nothing here is
// re-parsed at runtime.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	DBPath  string
	Port    string
	Symbols []string
	Debug   bool

	Trading Trading
}

// TPLevel is one take-profit rung: trigger distance from entry and the share
// of the position it closes. Shares across levels must sum to 1.
type TPLevel struct {
	Pct   float64 `yaml:"pct"`
	Share float64 `yaml:"share"`
}

// Trading carries the runtime-tunable engine parameters, read once from YAML.
type Trading struct {
	Leverage          int       `yaml:"leverage"`
	StopLossPct       float64   `yaml:"stop_loss_pct"`
	TakeProfits       []TPLevel `yaml:"take_profits"`
	MinStopGapPct     float64   `yaml:"min_stop_gap_pct"`
	StopWidenStepPct  float64   `yaml:"stop_widen_step_pct"`
	StopPlaceAttempts int       `yaml:"stop_place_attempts"`

	EntryFillPolls        int      `yaml:"entry_fill_polls"`
	EntryFillPollInterval Duration `yaml:"entry_fill_poll_interval"`

	Exits Exits `yaml:"exits"`

	ReconcileInterval      Duration `yaml:"reconcile_interval"`
	HangingOrderTTL        Duration `yaml:"hanging_order_ttl"`
	CleanupInterval        Duration `yaml:"cleanup_interval"`
	ExitCheckInterval      Duration `yaml:"exit_check_interval"`
	ProtectivePollInterval Duration `yaml:"protective_poll_interval"`
	GracefulTimeout        Duration `yaml:"graceful_timeout"`
	GracefulPollInterval   Duration `yaml:"graceful_poll_interval"`

	Budget Budget `yaml:"budget"`
	Stream Stream `yaml:"stream"`
}

// Exits holds the time/PnL exit rule thresholds, applied first-match.
type Exits struct {
	MaxHold             Duration `yaml:"max_hold"`
	SoftExitAfter       Duration `yaml:"soft_exit_after"`
	SoftExitMinPnLPct   float64  `yaml:"soft_exit_min_pnl_pct"`
	AutoProfitPct       float64  `yaml:"auto_profit_pct"`
	TrailingDrawdownPct float64  `yaml:"trailing_drawdown_pct"`
	EmergencyLossPct    float64  `yaml:"emergency_loss_pct"`
	WeakAfter           Duration `yaml:"weak_after"`
	WeakBandPct         float64  `yaml:"weak_band_pct"`
	RiskyLossPct        float64  `yaml:"risky_loss_pct"`
}

// Budget configures the outbound API budgets.
type Budget struct {
	WeightPerMinute   int `yaml:"weight_per_minute"`
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// Stream configures the WebSocket manager.
type Stream struct {
	MaxSubscriptions int      `yaml:"max_subscriptions"`
	Staleness        Duration `yaml:"staleness"`
	ReconnectBase    Duration `yaml:"reconnect_base"`
	ReconnectCap     Duration `yaml:"reconnect_cap"`
	MaxReconnects    int      `yaml:"max_reconnects"`
}

// Load reads environment variables (optionally via .env) and the trading
// parameters YAML file.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:     os.Getenv("BINANCE_API_KEY"),
		APISecret:  os.Getenv("BINANCE_API_SECRET"),
		Testnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		RecvWindow: getEnvInt64("BINANCE_RECV_WINDOW_MS", 5000),
		DBPath:     getEnv("DB_PATH", "./data/engine.db"),
		Port:       getEnv("PORT", "8080"),
		Symbols:    splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		Debug:      getEnv("DEBUG", "false") == "true",
		Trading:    defaultTrading(),
	}

	path := getEnv("TRADING_PARAMS", "./trading.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &cfg.Trading); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultTrading() Trading {
	return Trading{
		Leverage:          10,
		StopLossPct:       1.0,
		TakeProfits:       []TPLevel{{Pct: 1.0, Share: 0.5}, {Pct: 2.0, Share: 0.5}},
		MinStopGapPct:     0.5,
		StopWidenStepPct:  0.2,
		StopPlaceAttempts: 3,

		EntryFillPolls:        5,
		EntryFillPollInterval: Duration(time.Second),

		Exits: Exits{
			MaxHold:             Duration(8 * time.Hour),
			SoftExitAfter:       Duration(4 * time.Hour),
			SoftExitMinPnLPct:   0.3,
			AutoProfitPct:       5.0,
			TrailingDrawdownPct: 2.0,
			EmergencyLossPct:    -10.0,
			WeakAfter:           Duration(2 * time.Hour),
			WeakBandPct:         0.2,
			RiskyLossPct:        -6.0,
		},

		ReconcileInterval:      Duration(30 * time.Second),
		HangingOrderTTL:        Duration(5 * time.Minute),
		CleanupInterval:        Duration(time.Minute),
		ExitCheckInterval:      Duration(10 * time.Second),
		ProtectivePollInterval: Duration(15 * time.Second),
		GracefulTimeout:        Duration(2 * time.Minute),
		GracefulPollInterval:   Duration(5 * time.Second),

		Budget: Budget{WeightPerMinute: 2400, RequestsPerSecond: 40},
		Stream: Stream{
			MaxSubscriptions: 200,
			Staleness:        Duration(60 * time.Second),
			ReconnectBase:    Duration(time.Second),
			ReconnectCap:     Duration(60 * time.Second),
			MaxReconnects:    10,
		},
	}
}

func (c *Config) validate() error {
	t := &c.Trading
	if t.Leverage < 1 || t.Leverage > 125 {
		return fmt.Errorf("leverage %d out of range", t.Leverage)
	}
	if t.StopLossPct <= 0 {
		return fmt.Errorf("stop_loss_pct must be positive, got %v", t.StopLossPct)
	}
	if t.StopPlaceAttempts < 1 {
		return fmt.Errorf("stop_place_attempts must be at least 1")
	}
	var shares float64
	for _, tp := range t.TakeProfits {
		if tp.Pct <= 0 || tp.Share <= 0 {
			return fmt.Errorf("take profit levels must be positive: %+v", tp)
		}
		shares += tp.Share
	}
	if len(t.TakeProfits) > 0 && (shares < 0.999 || shares > 1.001) {
		return fmt.Errorf("take profit shares sum to %v, want 1.0", shares)
	}
	if t.Budget.WeightPerMinute <= 0 || t.Budget.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate budget capacities must be positive")
	}
	if t.Stream.Staleness.Std() <= 0 || t.Stream.MaxReconnects < 1 {
		return fmt.Errorf("invalid stream settings")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}
