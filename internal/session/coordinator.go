package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pyramid/internal/broker"
	"pyramid/internal/config"
	"pyramid/internal/marketdata"
)

// ErrNoSessions is returned by Start when no configured user authenticated.
var ErrNoSessions = errors.New("no session authenticated")

// Connector builds the raw broker and market data service for a user.
type Connector func(u config.User) (broker.Broker, marketdata.Service, error)

// Coordinator starts one Session per enabled user and runs them in parallel.
// A session that fails stops alone; the others keep running.
type Coordinator struct {
	shared  *Shared
	connect Connector
	log     *slog.Logger
	active  atomic.Int64

	mu       sync.RWMutex
	sessions []*Session
	rejected []Status

	wg sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(sh *Shared, connect Connector) *Coordinator {
	return &Coordinator{
		shared:  sh,
		connect: connect,
		log:     sh.Log.With("component", "coordinator"),
	}
}

// SeedSchedule writes the configured task table to the schedule store.
func (c *Coordinator) SeedSchedule(ctx context.Context) error {
	rows, err := c.shared.Config.TaskSchedules()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := c.shared.Store.SaveTaskSchedule(ctx, r); err != nil {
			return err
		}
	}
	c.log.Info("task table seeded", "tasks", len(rows))
	return nil
}

// Start authenticates every enabled user concurrently and launches the
// sessions that succeed. It returns the number started, or ErrNoSessions
// joined with each user's failure when none did.
func (c *Coordinator) Start(ctx context.Context) (int, error) {
	if err := c.SeedSchedule(ctx); err != nil {
		return 0, fmt.Errorf("seed schedule: %w", err)
	}

	var users []config.User
	for _, u := range c.shared.Config.Users {
		if u.IsEnabled() {
			users = append(users, u)
		}
	}

	sessions := make([]*Session, len(users))
	errs := make([]error, len(users))
	var g errgroup.Group
	g.SetLimit(8)
	for i, u := range users {
		g.Go(func() error {
			b, md, err := c.connect(u)
			if err != nil {
				errs[i] = fmt.Errorf("connect %s: %w", u.ID, err)
				return nil
			}
			s := New(c.shared, u, b, md)
			if err := s.Authenticate(ctx); err != nil {
				errs[i] = err
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	_ = g.Wait()

	var started []*Session
	var rejected []Status
	for i, s := range sessions {
		if s != nil {
			started = append(started, s)
			continue
		}
		c.log.Error("session not started", "user", users[i].ID, "error", errs[i])
		rejected = append(rejected, Status{UserID: users[i].ID, State: StateFailed, Error: errs[i].Error()})
	}

	c.mu.Lock()
	c.sessions = started
	c.rejected = rejected
	c.mu.Unlock()

	if len(started) == 0 {
		return 0, errors.Join(append([]error{ErrNoSessions}, errs...)...)
	}

	c.active.Store(int64(len(started)))
	c.shared.Metrics.SetActiveSessions(len(started))
	for _, s := range started {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := s.Run(ctx); err != nil {
				c.log.Error("session failed", "user", s.UserID(), "error", err)
			}
			c.shared.Metrics.SetActiveSessions(int(c.active.Add(-1)))
		}()
	}
	c.log.Info("sessions started", "started", len(started), "rejected", len(rejected))
	return len(started), nil
}

// Wait blocks until every started session has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Session returns the started session for userID.
func (c *Coordinator) Session(userID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.UserID() == userID {
			return s, true
		}
	}
	return nil, false
}

// Statuses lists every configured session, including those that failed to
// start, ordered by user.
func (c *Coordinator) Statuses() []Status {
	c.mu.RLock()
	out := make([]Status, 0, len(c.sessions)+len(c.rejected))
	for _, s := range c.sessions {
		out = append(out, s.Status())
	}
	out = append(out, c.rejected...)
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
