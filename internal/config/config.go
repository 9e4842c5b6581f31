package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pyramid/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the pyramid trader.
type Config struct {
	Storage  Storage      `yaml:"storage"`
	Server   Server       `yaml:"server"`
	Alpaca   Alpaca       `yaml:"alpaca"`
	Logging  Logging      `yaml:"logging"`
	Market   Market       `yaml:"market"`
	Strategy Strategy     `yaml:"strategy"`
	Orders   Orders       `yaml:"orders"`
	Limits   Limits       `yaml:"limits"`
	Schedule []TaskConfig `yaml:"schedule"`
	Users    []User       `yaml:"users"`
	Redis    Redis        `yaml:"redis"`
	Kafka    Kafka        `yaml:"kafka"`
	Notify   Notify       `yaml:"notify"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the operational listeners.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds default credentials and endpoints for the Alpaca API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	PaperURL  string `yaml:"paper_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Market defines the trading calendar.
type Market struct {
	Timezone       string   `yaml:"timezone"`
	TradingDays    []string `yaml:"trading_days"`
	AlpacaHolidays bool     `yaml:"alpaca_holidays"`
	Holidays       []string `yaml:"holidays"`
}

// Strategy holds re-entry and exit parameters.
type Strategy struct {
	L1Threshold            float64 `yaml:"l1_threshold"`
	L2Threshold            float64 `yaml:"l2_threshold"`
	L3Threshold            float64 `yaml:"l3_threshold"`
	ResetUpper             float64 `yaml:"reset_upper"`
	ResetLower             float64 `yaml:"reset_lower"`
	MissingEntryOscillator float64 `yaml:"missing_entry_oscillator"`
	ExitThreshold          float64 `yaml:"exit_threshold"`
	CapitalPerTrade        float64 `yaml:"capital_per_trade"`
	PriceTolerance         float64 `yaml:"price_tolerance"`
	OscillatorPeriod       int     `yaml:"oscillator_period"`
	MovingAveragePeriod    int     `yaml:"moving_average_period"`

	// A cached oscillator this far below exit_threshold, checked within
	// oscillator_cache_ttl, is trusted without a live calculation.
	OscillatorCacheMargin float64       `yaml:"oscillator_cache_margin"`
	OscillatorCacheTTL    time.Duration `yaml:"oscillator_cache_ttl"`
}

// Orders controls placement, retries, and shutdown.
type Orders struct {
	Backend          string        `yaml:"backend"` // "alpaca" or "simulator"
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	BackoffMin       time.Duration `yaml:"backoff_min"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	BrokerTimeout    time.Duration `yaml:"broker_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	ExtendedHours    bool          `yaml:"extended_hours"`
	SimulatorCash    float64       `yaml:"simulator_cash"`
}

// Limits protects the shared upstream APIs.
type Limits struct {
	RatePerMinute    int           `yaml:"rate_per_minute"`
	Burst            int           `yaml:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// TaskConfig is one schedule row as written in YAML.
type TaskConfig struct {
	Name       string `yaml:"name"`
	Enabled    *bool  `yaml:"enabled"`
	At         string `yaml:"at"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	Hourly     bool   `yaml:"hourly"`
	Continuous bool   `yaml:"continuous"`
}

// User is one trading account.
type User struct {
	ID              string  `yaml:"id"`
	APIKey          string  `yaml:"api_key"`
	APISecret       string  `yaml:"api_secret"`
	Paper           bool    `yaml:"paper"`
	Enabled         *bool   `yaml:"enabled"`
	CapitalPerTrade float64 `yaml:"capital_per_trade"`
}

// IsEnabled defaults to true when unset.
func (u User) IsEnabled() bool { return u.Enabled == nil || *u.Enabled }

// Redis configures the cross-process order lock. Empty Addr selects the
// in-process lock.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// Kafka configures the notification topic. No brokers means log-only
// notifications.
type Kafka struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Notify configures asynchronous notification delivery.
type Notify struct {
	QueueSize   int           `yaml:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/pyramid.db"},
		Server:  Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL:  "https://api.alpaca.markets",
			PaperURL: "https://paper-api.alpaca.markets",
			DataURL:  "https://data.alpaca.markets",
			Feed:     "iex",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Market: Market{
			Timezone:    "America/New_York",
			TradingDays: []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Strategy: Strategy{
			L1Threshold:            20,
			L2Threshold:            15,
			L3Threshold:            10,
			ResetUpper:             30,
			ResetLower:             30,
			MissingEntryOscillator: 30,
			ExitThreshold:          50,
			CapitalPerTrade:        1000,
			PriceTolerance:         0.02,
			OscillatorPeriod:       14,
			MovingAveragePeriod:    20,
			OscillatorCacheMargin:  10,
			OscillatorCacheTTL:     15 * time.Minute,
		},
		Orders: Orders{
			Backend:          "alpaca",
			MaxRetryAttempts: 3,
			BackoffMin:       time.Minute,
			BackoffMax:       30 * time.Minute,
			BrokerTimeout:    10 * time.Second,
			ShutdownGrace:    30 * time.Second,
			SimulatorCash:    100000,
		},
		Limits: Limits{
			RatePerMinute:    180,
			Burst:            5,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		Redis:  Redis{LockTTL: 30 * time.Second},
		Kafka:  Kafka{Topic: "pyramid.notifications", ClientID: "pyramid-trader"},
		Notify: Notify{QueueSize: 256, SendTimeout: 2 * time.Second},
	}
}

// DefaultSchedule is the task table used when the config has none.
func DefaultSchedule() []TaskConfig {
	return []TaskConfig{
		{Name: "retry_pending", At: "09:20"},
		{Name: "exit_initialize", At: "09:30"},
		{Name: "exit_monitor", Start: "09:30", End: "15:55", Continuous: true},
		{Name: "status_sync", Start: "09:00", End: "16:00", Hourly: true},
		{Name: "retry_pending_intraday", Start: "10:00", End: "15:00", Hourly: true},
		{Name: "reentry_evaluate", At: "16:05"},
		{Name: "reconcile", At: "16:30"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads an optional .env file, the YAML configuration file at path on
// top of Default, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule()
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	// Per-user credentials: PYRAMID_<ID>_API_KEY / PYRAMID_<ID>_API_SECRET.
	for i := range cfg.Users {
		prefix := "PYRAMID_" + strings.ToUpper(cfg.Users[i].ID) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			cfg.Users[i].APIKey = v
		}
		if v := os.Getenv(prefix + "API_SECRET"); v != "" {
			cfg.Users[i].APISecret = v
		}
	}
}

// ---------------------------------------------------------------------------
// Validation and derived values
// ---------------------------------------------------------------------------

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	s := c.Strategy
	if !(s.L1Threshold > s.L2Threshold && s.L2Threshold > s.L3Threshold) {
		errs = append(errs, fmt.Errorf("strategy: thresholds must descend l1 > l2 > l3, got %v/%v/%v",
			s.L1Threshold, s.L2Threshold, s.L3Threshold))
	}
	if s.ResetLower > s.ResetUpper {
		errs = append(errs, fmt.Errorf("strategy: reset_lower %v above reset_upper %v", s.ResetLower, s.ResetUpper))
	}
	if s.CapitalPerTrade <= 0 {
		errs = append(errs, errors.New("strategy: capital_per_trade must be positive"))
	}
	if s.PriceTolerance <= 0 {
		errs = append(errs, errors.New("strategy: price_tolerance must be positive"))
	}
	if s.OscillatorCacheMargin < 0 || s.OscillatorCacheTTL < 0 {
		errs = append(errs, errors.New("strategy: oscillator cache margin and ttl must not be negative"))
	}
	if c.Orders.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("orders: max_retry_attempts must be at least 1"))
	}
	if c.Orders.BrokerTimeout <= 0 {
		errs = append(errs, errors.New("orders: broker_timeout must be positive"))
	}
	if c.Orders.Backend != "alpaca" && c.Orders.Backend != "simulator" {
		errs = append(errs, fmt.Errorf("orders: unknown backend %q", c.Orders.Backend))
	}
	if c.Limits.RatePerMinute <= 0 {
		errs = append(errs, errors.New("limits: rate_per_minute must be positive"))
	}
	if _, err := c.Weekdays(); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("market: timezone: %w", err))
	}
	if _, err := c.TaskSchedules(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	enabled := 0
	for i, u := range c.Users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("users[%d]: missing id", i))
			continue
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate id %q", i, u.ID))
		}
		seen[u.ID] = true
		if u.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("users: no enabled user configured"))
	}
	return errors.Join(errs...)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Weekdays parses Market.TradingDays.
func (c *Config) Weekdays() ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(c.Market.TradingDays))
	for _, d := range c.Market.TradingDays {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("market: unknown trading day %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// TaskSchedules converts the YAML task table into domain rows.
func (c *Config) TaskSchedules() ([]domain.TaskSchedule, error) {
	rows := c.Schedule
	if len(rows) == 0 {
		rows = DefaultSchedule()
	}
	out := make([]domain.TaskSchedule, 0, len(rows))
	for _, r := range rows {
		ts := domain.TaskSchedule{
			TaskName:     r.Name,
			Enabled:      r.Enabled == nil || *r.Enabled,
			IsHourly:     r.Hourly,
			IsContinuous: r.Continuous,
		}
		var err error
		if r.Hourly || r.Continuous {
			if ts.StartTime, err = domain.ParseClock(r.Start); err != nil {
				return nil, fmt.Errorf("schedule %s: %w", r.Name, err)
			}
			if ts.EndTime, err = domain.ParseClock(r.End); err != nil {
				return nil, fmt.Errorf("schedule %s: %w", r.Name, err)
			}
		} else if ts.ScheduledTime, err = domain.ParseClock(r.At); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", r.Name, err)
		}
		if err := ts.Validate(); err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		out = append(out, ts)
	}
	return out, nil
}

// Credentials returns the API key pair for u, falling back to the
// process-wide Alpaca credentials.
func (c *Config) Credentials(u User) (key, secret string) {
	key, secret = u.APIKey, u.APISecret
	if key == "" {
		key = c.Alpaca.APIKey
	}
	if secret == "" {
		secret = c.Alpaca.APISecret
	}
	return key, secret
}

// TradingURL returns the paper or live trading endpoint for u.
func (c *Config) TradingURL(u User) string {
	if u.Paper {
		return c.Alpaca.PaperURL
	}
	return c.Alpaca.BaseURL
}
