// Package store defines the repositories for orders, positions, task
// schedules, execution records and heartbeats, plus their SQLite and
// Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"pyramid/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an insert violates a uniqueness rule, such
	// as a second non-terminal system order for the same (user, symbol, side).
	ErrConflict = errors.New("record conflicts with an existing one")
)

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// CreateOrder inserts a new order.
	CreateOrder(ctx context.Context, order *domain.Order) error

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its local ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByBrokerID retrieves the order the broker knows as brokerOrderID.
	GetOrderByBrokerID(ctx context.Context, userID, brokerOrderID string) (*domain.Order, error)

	// GetOrderByClientID retrieves an order by its client order ID.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// ListNonTerminalOrders returns PENDING, ONGOING and RETRY_PENDING orders.
	ListNonTerminalOrders(ctx context.Context, userID string) ([]*domain.Order, error)

	// ListOrdersByStatus returns the user's orders in the given status.
	ListOrdersByStatus(ctx context.Context, userID string, status domain.OrderStatus) ([]*domain.Order, error)

	// ListOrdersSince returns orders placed or updated at or after since.
	ListOrdersSince(ctx context.Context, userID string, since time.Time) ([]*domain.Order, error)
}

// PositionStore persists and retrieves position records. At most one open
// position exists per (user, symbol).
type PositionStore interface {
	// UpsertBySymbol inserts the position or updates the open one for the
	// same (user, symbol), setting pos.ID.
	UpsertBySymbol(ctx context.Context, pos *domain.Position) error

	// GetOpenPosition returns the open position for symbol or ErrNotFound.
	GetOpenPosition(ctx context.Context, userID, symbol string) (*domain.Position, error)

	// ListOpenPositions returns the user's open positions.
	ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error)

	// ListPositionsClosedSince returns positions closed at or after since.
	ListPositionsClosedSince(ctx context.Context, userID string, since time.Time) ([]*domain.Position, error)

	// Mutate loads the open position for (user, symbol), nil if none, passes
	// it to fn and writes fn's result in one transaction. A nil result
	// writes nothing.
	Mutate(ctx context.Context, userID, symbol string, fn func(*domain.Position) (*domain.Position, error)) (*domain.Position, error)
}

// TaskScheduleStore holds the scheduler's task table.
type TaskScheduleStore interface {
	// ListTaskSchedules returns every task row.
	ListTaskSchedules(ctx context.Context) ([]domain.TaskSchedule, error)

	// SaveTaskSchedule inserts or replaces a task row.
	SaveTaskSchedule(ctx context.Context, ts domain.TaskSchedule) error
}

// ExecutionRecordStore is the append-only task execution log.
type ExecutionRecordStore interface {
	// AppendExecution records a run. A second record with the same
	// (task, user, run key) returns ErrConflict.
	AppendExecution(ctx context.Context, rec *domain.ExecutionRecord) error

	// HasRun reports whether a record exists for (task, user, run key).
	HasRun(ctx context.Context, taskName, userID, runKey string) (bool, error)

	// ListExecutions returns the user's records started at or after since.
	ListExecutions(ctx context.Context, userID string, since time.Time) ([]domain.ExecutionRecord, error)
}

// HeartbeatStore records session liveness.
type HeartbeatStore interface {
	// WriteHeartbeat stores the latest heartbeat for userID.
	WriteHeartbeat(ctx context.Context, userID string, at time.Time) error

	// ListHeartbeats returns the latest heartbeat of every session.
	ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error)
}
