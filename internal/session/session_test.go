package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyramid/internal/broker"
	"pyramid/internal/config"
	"pyramid/internal/lock"
	"pyramid/internal/marketdata"
	"pyramid/internal/notify"
	"pyramid/internal/store"
	"pyramid/internal/util"
)

type sent struct {
	user, event string
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Send(_ context.Context, userID, eventType string, _ notify.Payload) error {
	r.mu.Lock()
	r.sent = append(r.sent, sent{userID, eventType})
	r.mu.Unlock()
	return nil
}

func (r *recorder) has(user, event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sent {
		if s.user == user && s.event == event {
			return true
		}
	}
	return false
}

type fixture struct {
	shared *Shared
	sims   map[string]*broker.SimulatorBroker
	events *recorder
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "pyramid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Market.TradingDays = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
	cfg.Schedule = []config.TaskConfig{{Name: "reconcile", Start: "00:00", End: "23:59", Continuous: true}}
	days, err := cfg.Weekdays()
	require.NoError(t, err)
	cal, err := util.NewTradingCalendar(cfg.Market.Timezone, days, nil)
	require.NoError(t, err)

	f := &fixture{sims: make(map[string]*broker.SimulatorBroker), events: &recorder{}}
	for _, u := range users {
		cfg.Users = append(cfg.Users, config.User{ID: u})
		f.sims[u] = broker.NewSimulatorBroker(10000)
	}
	f.shared = &Shared{
		Config:   cfg,
		Store:    db,
		Reports:  store.NewReportStore(dir),
		Calendar: cal,
		Locker:   lock.NewMemory(),
		Notifier: f.events,
		Log:      slog.New(slog.DiscardHandler),
	}
	return f
}

func (f *fixture) connect(u config.User) (broker.Broker, marketdata.Service, error) {
	sim, ok := f.sims[u.ID]
	if !ok {
		return nil, nil, errors.New("no account")
	}
	return sim, marketdata.NewStatic(), nil
}

func stateOf(c *Coordinator, user string) State {
	for _, st := range c.Statuses() {
		if st.UserID == user {
			return st.State
		}
	}
	return ""
}

func TestStartSkipsFailedAuthentication(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.sims["bob"].FailNext("GetFunds", broker.ErrAuthentication)
	c := NewCoordinator(f.shared, f.connect)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool { return stateOf(c, "alice") == StateRunning }, 2*time.Second, 10*time.Millisecond)
	statuses := c.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "bob", statuses[1].UserID)
	assert.Equal(t, StateFailed, statuses[1].State)
	assert.Contains(t, statuses[1].Error, "authentication")
	_, ok := c.Session("bob")
	assert.False(t, ok)

	cancel()
	c.Wait()
	assert.Equal(t, StateStopped, stateOf(c, "alice"))
}

func TestStartWithoutAnySession(t *testing.T) {
	f := newFixture(t, "alice")
	f.sims["alice"].FailNext("GetFunds", broker.ErrAuthentication)
	f.shared.Config.Users = append(f.shared.Config.Users, config.User{ID: "ghost"})
	c := NewCoordinator(f.shared, f.connect)

	n, err := c.Start(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNoSessions)
	assert.ErrorIs(t, err, broker.ErrAuthentication)
	assert.Contains(t, err.Error(), "connect ghost")
}

func TestDisabledUsersAreNotStarted(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	off := false
	f.shared.Config.Users[1].Enabled = &off
	c := NewCoordinator(f.shared, f.connect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, c.Statuses(), 1)
	assert.Zero(t, f.sims["bob"].Calls("GetFunds"))
	cancel()
	c.Wait()
}

func TestFatalErrorStopsOnlyThatSession(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.sims["bob"].FailNext("GetHoldings", broker.ErrAuthentication)
	c := NewCoordinator(f.shared, f.connect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := c.Start(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return stateOf(c, "bob") == StateFailed }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, stateOf(c, "alice"))
	assert.True(t, f.events.has("bob", notify.EventSessionFatal))
	assert.Eventually(t, func() bool { return f.events.has("alice", notify.EventDailySummary) }, 5*time.Second, 10*time.Millisecond)

	cancel()
	c.Wait()
	assert.Equal(t, StateStopped, stateOf(c, "alice"))
	assert.Equal(t, StateFailed, stateOf(c, "bob"))
}
