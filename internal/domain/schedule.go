package domain

import (
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day in the market timezone.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustClock is ParseClock for literals.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant of c on the calendar day of day, in day's location.
func (c ClockTime) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

// TaskKind classifies how a schedule row is triggered.
type TaskKind string

const (
	TaskKindPoint      TaskKind = "point"
	TaskKindHourly     TaskKind = "hourly"
	TaskKindContinuous TaskKind = "continuous"
)

// TaskSchedule is one row of the scheduler's task table.
type TaskSchedule struct {
	TaskName      string
	Enabled       bool
	ScheduledTime ClockTime // point tasks
	StartTime     ClockTime // hourly and continuous tasks
	EndTime       ClockTime
	IsHourly      bool
	IsContinuous  bool
}

// Kind returns the trigger kind.
func (t TaskSchedule) Kind() TaskKind {
	switch {
	case t.IsContinuous:
		return TaskKindContinuous
	case t.IsHourly:
		return TaskKindHourly
	default:
		return TaskKindPoint
	}
}

// Validate checks that the window fields agree with the flags.
func (t TaskSchedule) Validate() error {
	if t.TaskName == "" {
		return fmt.Errorf("task schedule: empty task name")
	}
	if t.IsHourly && t.IsContinuous {
		return fmt.Errorf("task %s: both hourly and continuous", t.TaskName)
	}
	if t.Kind() != TaskKindPoint && t.EndTime.Minutes() < t.StartTime.Minutes() {
		return fmt.Errorf("task %s: end %s before start %s", t.TaskName, t.EndTime, t.StartTime)
	}
	return nil
}

// Execution outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeTimeout = "timeout"
)

// ExecutionRecord is an append-only log entry for one task run. RunKey is the
// idempotency bucket: the trading date for point tasks, date plus hour for
// hourly tasks, date plus minute for continuous tasks.
type ExecutionRecord struct {
	ID         int64
	TaskName   string
	UserID     string
	RunKey     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Error      string
}

// Succeeded reports whether the run completed without error.
func (r ExecutionRecord) Succeeded() bool { return r.Outcome == OutcomeOK }

// Heartbeat is the last-alive marker for a user session.
type Heartbeat struct {
	UserID string
	At     time.Time
}
