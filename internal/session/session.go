// Package session wires one trading session per configured user and runs
// them side by side under a Coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pyramid/internal/broker"
	"pyramid/internal/config"
	"pyramid/internal/engine"
	"pyramid/internal/exit"
	"pyramid/internal/lock"
	"pyramid/internal/marketdata"
	"pyramid/internal/metrics"
	"pyramid/internal/notify"
	"pyramid/internal/reconcile"
	"pyramid/internal/reentry"
	"pyramid/internal/scheduler"
	"pyramid/internal/store"
	"pyramid/internal/util"
)

// State is a session's lifecycle stage.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a point-in-time view of a session for the ops surface.
type Status struct {
	UserID    string    `json:"user_id"`
	Broker    string    `json:"broker"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Store is every repository a session needs. *store.SQLiteStore satisfies it.
type Store interface {
	store.OrderStore
	store.PositionStore
	store.TaskScheduleStore
	store.ExecutionRecordStore
	store.HeartbeatStore
}

// Shared holds the process-wide dependencies handed to every session. The
// limiters and breakers are the only mutable state sessions share.
type Shared struct {
	Config   *config.Config
	Store    Store
	Reports  *store.ReportStore
	Calendar *util.TradingCalendar
	Locker   lock.Locker
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	BrokerLimiter *util.RateLimiter
	BrokerBreaker *util.CircuitBreaker
	DataLimiter   *util.RateLimiter
	DataBreaker   *util.CircuitBreaker
}

// Session is one user's trading context: its broker handle, order manager,
// strategy engines and scheduler.
type Session struct {
	userID    string
	broker    broker.Broker
	orders    *engine.Manager
	reentry   *reentry.Engine
	exit      *exit.Monitor
	reconcile *reconcile.Engine
	scheduler *scheduler.Scheduler
	notifier  notify.Notifier
	log       *slog.Logger
	fatal     context.CancelCauseFunc

	mu      sync.Mutex
	state   State
	err     error
	started time.Time
}

// New wires a session for u on top of the raw broker and market data
// service, wrapping both in the shared rate limiter and circuit breaker.
func New(sh *Shared, u config.User, rawBroker broker.Broker, rawMarket marketdata.Service) *Session {
	cfg := sh.Config
	log := sh.Log.With("user", u.ID)
	b := broker.NewGuarded(rawBroker, sh.BrokerLimiter, sh.BrokerBreaker, cfg.Orders.BrokerTimeout, sh.Metrics)
	md := marketdata.NewGuarded(rawMarket, sh.DataLimiter, sh.DataBreaker, cfg.Orders.BrokerTimeout)

	capital := cfg.Strategy.CapitalPerTrade
	if u.CapitalPerTrade > 0 {
		capital = u.CapitalPerTrade
	}
	risk := engine.NewRiskManager(capital)

	orders := engine.NewManager(u.ID, engine.Deps{
		Broker:    b,
		Orders:    sh.Store,
		Positions: sh.Store,
		Market:    md,
		Locker:    sh.Locker,
		Notifier:  sh.Notifier,
		Risk:      risk,
		Metrics:   sh.Metrics,
		Log:       log,
	}, engine.Options{
		MaxRetryAttempts: cfg.Orders.MaxRetryAttempts,
		BackoffMin:       cfg.Orders.BackoffMin,
		BackoffMax:       cfg.Orders.BackoffMax,
		PriceTolerance:   cfg.Strategy.PriceTolerance,
		ExtendedHours:    cfg.Orders.ExtendedHours,
	})

	st := cfg.Strategy
	s := &Session{
		userID:   u.ID,
		broker:   b,
		orders:   orders,
		notifier: sh.Notifier,
		log:      log.With("component", "session"),
		state:    StateStarting,
	}
	s.reentry = reentry.New(reentry.Config{
		UserID:    u.ID,
		Positions: sh.Store,
		Market:    md,
		Placer:    orders,
		Funds:     b,
		Risk:      risk,
		Thresholds: reentry.Thresholds{
			L1:           st.L1Threshold,
			L2:           st.L2Threshold,
			L3:           st.L3Threshold,
			ResetUpper:   st.ResetUpper,
			ResetLower:   st.ResetLower,
			MissingEntry: st.MissingEntryOscillator,
		},
		ExtendedHours: cfg.Orders.ExtendedHours,
		Metrics:       sh.Metrics,
		Log:           log,
	})
	s.exit = exit.New(exit.Config{
		UserID:      u.ID,
		Orders:      sh.Store,
		Positions:   sh.Store,
		Market:      md,
		Manager:     orders,
		Cache:       marketdata.NewOscillatorCache(),
		Calendar:    sh.Calendar,
		Threshold:   st.ExitThreshold,
		CacheMargin: st.OscillatorCacheMargin,
		CacheTTL:    st.OscillatorCacheTTL,
		Notifier:    sh.Notifier,
		Metrics:     sh.Metrics,
		Log:         log,
	})
	s.reconcile = reconcile.New(reconcile.Config{
		UserID:    u.ID,
		Broker:    b,
		Orders:    sh.Store,
		Positions: sh.Store,
		Applier:   orders,
		Reports:   sh.Reports,
		Calendar:  sh.Calendar,
		Notifier:  sh.Notifier,
		Metrics:   sh.Metrics,
		Log:       log,
	})
	s.scheduler = scheduler.New(scheduler.Config{
		UserID:     u.ID,
		Registry:   s.registry(),
		Schedules:  sh.Store,
		Executions: sh.Store,
		Heartbeats: sh.Store,
		Calendar:   sh.Calendar,
		Metrics:    sh.Metrics,
		Log:        log,
		Grace:      cfg.Orders.ShutdownGrace,
	})
	return s
}

// UserID returns the session's user.
func (s *Session) UserID() string { return s.userID }

// Reconciler returns the session's reconciliation engine.
func (s *Session) Reconciler() *reconcile.Engine { return s.reconcile }

// Authenticate proves the credentials work by reading the account balance.
func (s *Session) Authenticate(ctx context.Context) error {
	funds, err := s.broker.GetFunds(ctx)
	if err != nil {
		return fmt.Errorf("authenticate %s: %w", s.userID, err)
	}
	s.log.Info("session authenticated", "broker", s.broker.Name(), "available", funds.Available)
	return nil
}

// Run drives the scheduler until ctx is cancelled or a task hits a fatal
// broker error. Only the fatal case returns an error.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.fatal = cancel

	s.setState(StateRunning, nil)
	s.log.Info("session running")
	err := s.scheduler.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	if err != nil {
		s.setState(StateFailed, err)
		s.log.Error("session stopped on fatal error", "error", err)
		return err
	}
	s.setState(StateStopped, nil)
	s.log.Info("session stopped")
	return nil
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{UserID: s.userID, Broker: s.broker.Name(), State: s.state, StartedAt: s.started}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == StateRunning {
		s.started = time.Now()
	}
	s.state, s.err = state, err
}

// registry maps the schedule's task names to this session's operations.
func (s *Session) registry() *scheduler.Registry {
	r := scheduler.NewRegistry()
	retry := func(ctx context.Context) error {
		_, err := s.orders.RetryPending(ctx)
		return err
	}
	r.Register(s.task(scheduler.TaskRetryPending, retry))
	r.Register(s.task(scheduler.TaskRetryPendingIntraday, retry))
	r.Register(s.task(scheduler.TaskStatusSync, func(ctx context.Context) error {
		_, err := s.orders.SyncStatuses(ctx)
		return err
	}))
	r.Register(s.task(scheduler.TaskExitInitialize, func(ctx context.Context) error {
		sum, err := s.exit.InitializeForDay(ctx)
		s.log.Info("exit orders initialized", "placed", sum.Placed, "existing", sum.Existing,
			"seeded", sum.Seeded, "failed", sum.Failed)
		return err
	}))
	r.Register(s.task(scheduler.TaskExitMonitor, func(ctx context.Context) error {
		_, err := s.exit.Evaluate(ctx)
		return err
	}))
	r.Register(s.task(scheduler.TaskReentryEvaluate, func(ctx context.Context) error {
		_, err := s.reentry.Evaluate(ctx)
		return err
	}))
	r.Register(s.task(scheduler.TaskReconcile, func(ctx context.Context) error {
		_, err := s.reconcile.Run(ctx)
		return err
	}))
	return r
}

// task wraps fn so a fatal broker error ends the session.
func (s *Session) task(name string, fn func(ctx context.Context) error) scheduler.Task {
	return scheduler.NewTask(name, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && broker.Classify(err) == broker.KindFatal {
			s.log.Error("fatal broker error, stopping session", "task", name, "error", err)
			if nerr := s.notifier.Send(ctx, s.userID, notify.EventSessionFatal, notify.Payload{
				"task":  name,
				"error": err.Error(),
			}); nerr != nil {
				s.log.Warn("fatal notification failed", "error", nerr)
			}
			if s.fatal != nil {
				s.fatal(err)
			}
		}
		return err
	})
}
