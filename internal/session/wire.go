package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/redis/go-redis/v9"

	"pyramid/internal/broker"
	"pyramid/internal/config"
	"pyramid/internal/lock"
	"pyramid/internal/marketdata"
	"pyramid/internal/metrics"
	"pyramid/internal/notify"
	"pyramid/internal/store"
	"pyramid/internal/util"
)

// NewShared opens the process-wide dependencies described by cfg. The
// returned close function releases them in reverse order.
func NewShared(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*Shared, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Shared, func(), error) {
		closeAll()
		return nil, nil, err
	}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("create %s: %w", dir, err))
		}
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	closers = append(closers, func() {
		if err := db.Close(); err != nil {
			log.Error("close store", "error", err)
		}
	})

	cal, err := newCalendar(cfg)
	if err != nil {
		return fail(err)
	}

	locker, err := newLocker(ctx, cfg, log, &closers)
	if err != nil {
		return fail(err)
	}

	sink, err := newNotifier(cfg, log, &closers)
	if err != nil {
		return fail(err)
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.QueueSize, cfg.Notify.SendTimeout, log, m)
	closers = append(closers, dispatcher.Close)

	lim := cfg.Limits
	sh := &Shared{
		Config:        cfg,
		Store:         db,
		Reports:       store.NewReportStore(cfg.Storage.DataDir),
		Calendar:      cal,
		Locker:        locker,
		Notifier:      dispatcher,
		Metrics:       m,
		Log:           log,
		BrokerLimiter: util.NewBurstRateLimiter(lim.RatePerMinute, lim.Burst),
		BrokerBreaker: util.NewCircuitBreaker(lim.BreakerThreshold, lim.BreakerCooldown),
		DataLimiter:   util.NewBurstRateLimiter(lim.RatePerMinute, lim.Burst),
		DataBreaker:   util.NewCircuitBreaker(lim.BreakerThreshold, lim.BreakerCooldown),
	}
	return sh, closeAll, nil
}

func newCalendar(cfg *config.Config) (*util.TradingCalendar, error) {
	days, err := cfg.Weekdays()
	if err != nil {
		return nil, err
	}
	var holidays util.HolidaySource
	switch {
	case cfg.Market.AlpacaHolidays:
		holidays = util.NewAlpacaHolidays(alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.PaperURL,
		}))
	case len(cfg.Market.Holidays) > 0:
		holidays = util.StaticHolidays(cfg.Market.Holidays)
	}
	return util.NewTradingCalendar(cfg.Market.Timezone, days, holidays)
}

func newLocker(ctx context.Context, cfg *config.Config, log *slog.Logger, closers *[]func()) (lock.Locker, error) {
	if cfg.Redis.Addr == "" {
		log.Info("using in-process order locks")
		return lock.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	*closers = append(*closers, func() { _ = client.Close() })
	log.Info("using redis order locks", "addr", cfg.Redis.Addr)
	return lock.NewRedis(client, cfg.Redis.LockTTL, "pyramid:lock:"), nil
}

func newNotifier(cfg *config.Config, log *slog.Logger, closers *[]func()) (notify.Notifier, error) {
	logSink := notify.NewLogNotifier(log)
	if len(cfg.Kafka.Brokers) == 0 {
		return logSink, nil
	}
	k, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
	if err != nil {
		return nil, fmt.Errorf("kafka notifier: %w", err)
	}
	*closers = append(*closers, func() {
		if err := k.Close(); err != nil {
			log.Error("close kafka producer", "error", err)
		}
	})
	log.Info("publishing notifications to kafka", "topic", cfg.Kafka.Topic)
	return notify.Multi{logSink, k}, nil
}

// ErrMissingCredentials is returned by the Alpaca connector for a user
// without an API key pair.
var ErrMissingCredentials = errors.New("missing alpaca credentials")

// DefaultConnector returns the Connector selected by cfg.Orders.Backend.
// The simulator backend gives every user a fresh in-memory account and an
// empty static market data source.
func DefaultConnector(cfg *config.Config, log *slog.Logger) Connector {
	if cfg.Orders.Backend == "simulator" {
		return func(u config.User) (broker.Broker, marketdata.Service, error) {
			return broker.NewSimulatorBroker(cfg.Orders.SimulatorCash), marketdata.NewStatic(), nil
		}
	}
	return func(u config.User) (broker.Broker, marketdata.Service, error) {
		key, secret := cfg.Credentials(u)
		if key == "" || secret == "" {
			return nil, nil, fmt.Errorf("user %s: %w", u.ID, ErrMissingCredentials)
		}
		b := broker.NewAlpacaBroker(key, secret, cfg.TradingURL(u))
		md := marketdata.NewAlpacaService(key, secret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed,
			cfg.Strategy.OscillatorPeriod, cfg.Strategy.MovingAveragePeriod, log.With("user", u.ID))
		return b, md, nil
	}
}
