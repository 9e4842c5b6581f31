// Package scheduler drives one session's tasks at market-relative wall-clock
// times: point tasks once per trading day, hourly tasks once per hour bucket,
// and continuous tasks on every tick inside their window. A point task whose
// minute was missed runs on the first tick within the catch-up window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"pyramid/internal/domain"
	"pyramid/internal/metrics"
	"pyramid/internal/store"
)

// Calendar answers trading-day questions in the market timezone.
type Calendar interface {
	Location() *time.Location
	Date(t time.Time) string
	IsTradingDay(ctx context.Context, t time.Time) (bool, error)
}

// Config wires a Scheduler.
type Config struct {
	UserID     string
	Registry   *Registry
	Schedules  store.TaskScheduleStore
	Executions store.ExecutionRecordStore
	Heartbeats store.HeartbeatStore // optional
	Calendar   Calendar
	Metrics    *metrics.Metrics
	Log        *slog.Logger

	// Interval is the tick period of Run. Defaults to 15s.
	Interval time.Duration
	// Grace bounds how long an in-flight task may keep running after
	// shutdown. Defaults to 30s.
	Grace time.Duration
	// CatchUp is how long after its scheduled minute a point task that has
	// not run today may still start. Defaults to 5m.
	CatchUp time.Duration
}

// Scheduler runs one user's task table. Ticks are sequential; a Scheduler is
// not meant to be ticked from several goroutines at once.
type Scheduler struct {
	userID     string
	registry   *Registry
	schedules  store.TaskScheduleStore
	executions store.ExecutionRecordStore
	heartbeats store.HeartbeatStore
	calendar   Calendar
	metrics    *metrics.Metrics
	log        *slog.Logger
	interval   time.Duration
	grace      time.Duration
	catchUp    time.Duration
	now        func() time.Time

	mu       sync.Mutex
	rows     []domain.TaskSchedule
	rowsDate string
	lastTick time.Time
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.CatchUp <= 0 {
		cfg.CatchUp = 5 * time.Minute
	}
	return &Scheduler{
		userID:     cfg.UserID,
		registry:   cfg.Registry,
		schedules:  cfg.Schedules,
		executions: cfg.Executions,
		heartbeats: cfg.Heartbeats,
		calendar:   cfg.Calendar,
		metrics:    cfg.Metrics,
		log:        log.With("component", "scheduler", "user", cfg.UserID),
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		catchUp:    cfg.CatchUp,
		now:        time.Now,
	}
}

// SetClock overrides the time source used by Run.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// TickResult reports what one Tick did.
type TickResult struct {
	Collapsed  bool     // same minute as the previous tick
	TradingDay bool     // false means no task was considered
	Ran        []string // tasks executed, in schedule order
	Failed     []string
}

// Run ticks until ctx is cancelled. A task in flight at cancellation keeps
// running for at most the grace period.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "interval", s.interval, "tasks", s.registry.List())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.log.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every task due at now. Repeated calls within the same minute
// do nothing. Task failures are recorded, not returned; the error reports
// only problems loading the task table.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	if ctx.Err() != nil {
		return res, nil
	}
	local := now.In(s.calendar.Location())
	minute := local.Truncate(time.Minute)

	s.mu.Lock()
	if !s.lastTick.IsZero() && minute.Equal(s.lastTick) {
		s.mu.Unlock()
		res.Collapsed = true
		return res, nil
	}
	s.lastTick = minute
	s.mu.Unlock()

	s.heartbeat(ctx, now)

	trading, err := s.calendar.IsTradingDay(ctx, local)
	if err != nil {
		s.log.Warn("holiday lookup failed, assuming trading day", "error", err)
	}
	if !trading {
		return res, nil
	}
	res.TradingDay = true

	date := s.calendar.Date(local)
	rows, err := s.table(ctx, date)
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if !row.Enabled {
			continue
		}
		runKey, due := dueKey(row, minute, date, s.catchUp)
		if !due {
			continue
		}
		task, ok := s.registry.Get(row.TaskName)
		if !ok {
			s.log.Warn("schedule row has no registered task", "task", row.TaskName)
			continue
		}
		if row.Kind() != domain.TaskKindContinuous {
			done, err := s.executions.HasRun(ctx, row.TaskName, s.userID, runKey)
			if err != nil {
				s.log.Error("execution lookup failed, task skipped", "task", row.TaskName, "error", err)
				continue
			}
			if done {
				continue
			}
		}
		rec := s.execute(ctx, task, runKey)
		res.Ran = append(res.Ran, row.TaskName)
		if !rec.Succeeded() {
			res.Failed = append(res.Failed, row.TaskName)
		}
		if row.Kind() == domain.TaskKindContinuous && rec.Succeeded() {
			continue
		}
		s.record(ctx, rec)
	}
	return res, nil
}

// dueKey reports whether row is due at minute and the idempotency key of
// the run. Point tasks are due from their scheduled minute through catchUp;
// the execution record keeps them to one run per day.
func dueKey(row domain.TaskSchedule, minute time.Time, date string, catchUp time.Duration) (string, bool) {
	m := minute.Hour()*60 + minute.Minute()
	switch row.Kind() {
	case domain.TaskKindPoint:
		at := row.ScheduledTime.Minutes()
		return date, m >= at && m <= at+int(catchUp/time.Minute)
	case domain.TaskKindHourly:
		if m < row.StartTime.Minutes() || m > row.EndTime.Minutes() {
			return "", false
		}
		return fmt.Sprintf("%sT%02d", date, minute.Hour()), true
	default:
		if m < row.StartTime.Minutes() || m > row.EndTime.Minutes() {
			return "", false
		}
		return fmt.Sprintf("%sT%02d:%02d", date, minute.Hour(), minute.Minute()), true
	}
}

// table returns the task rows, reloading them once per trading date.
func (s *Scheduler) table(ctx context.Context, date string) ([]domain.TaskSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rowsDate == date && s.rows != nil {
		return s.rows, nil
	}
	rows, err := s.schedules.ListTaskSchedules(ctx)
	if err != nil {
		if s.rows != nil {
			s.log.Warn("task table reload failed, keeping previous", "error", err)
			return s.rows, nil
		}
		return nil, fmt.Errorf("load task table: %w", err)
	}
	s.rows, s.rowsDate = rows, date
	return rows, nil
}

// execute runs task, converting panics and errors into an execution record.
func (s *Scheduler) execute(parent context.Context, task Task, runKey string) (rec domain.ExecutionRecord) {
	ctx, cancel := s.taskContext(parent)
	defer cancel()

	start := s.now()
	rec = domain.ExecutionRecord{
		TaskName:  task.Name(),
		UserID:    s.userID,
		RunKey:    runKey,
		StartedAt: start,
		Outcome:   domain.OutcomeOK,
	}
	defer func() {
		if r := recover(); r != nil {
			rec.Outcome = domain.OutcomePanic
			rec.Error = fmt.Sprint(r)
			s.log.Error("task panicked", "task", rec.TaskName, "run_key", runKey, "panic", r,
				"stack", string(debug.Stack()))
		}
		rec.FinishedAt = s.now()
		d := rec.FinishedAt.Sub(start)
		s.metrics.ObserveTask(rec.TaskName, rec.Outcome, d)
		if rec.Outcome == domain.OutcomeOK {
			s.log.Debug("task finished", "task", rec.TaskName, "run_key", runKey, "duration", d)
		} else if rec.Outcome != domain.OutcomePanic {
			s.log.Error("task failed", "task", rec.TaskName, "run_key", runKey, "duration", d, "error", rec.Error)
		}
	}()

	if err := task.Run(ctx); err != nil {
		rec.Outcome = domain.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			rec.Outcome = domain.OutcomeTimeout
		}
		rec.Error = err.Error()
	}
	return rec
}

// taskContext detaches a task from parent cancellation for up to the grace
// period.
func (s *Scheduler) taskContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(s.grace)
		defer t.Stop()
		select {
		case <-t.C:
			s.log.Warn("grace period elapsed, abandoning task")
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) record(ctx context.Context, rec domain.ExecutionRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := s.executions.AppendExecution(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.log.Debug("execution already recorded", "task", rec.TaskName, "run_key", rec.RunKey)
			return
		}
		s.log.Error("record execution failed", "task", rec.TaskName, "run_key", rec.RunKey, "error", err)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, now time.Time) {
	s.metrics.SetHeartbeat(s.userID, now)
	if s.heartbeats == nil {
		return
	}
	if err := s.heartbeats.WriteHeartbeat(ctx, s.userID, now); err != nil {
		s.log.Warn("heartbeat write failed", "error", err)
	}
}
