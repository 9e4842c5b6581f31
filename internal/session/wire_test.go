package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pyramid/internal/broker"
	"pyramid/internal/config"
	"pyramid/internal/lock"
	"pyramid/internal/marketdata"
)

func wireConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.SQLitePath = filepath.Join(dir, "db", "pyramid.db")
	cfg.Market.Holidays = []string{"2024-07-04"}
	return cfg
}

func TestNewSharedInProcess(t *testing.T) {
	ctx := context.Background()
	sh, closeAll, err := NewShared(ctx, wireConfig(t), nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer closeAll()

	assert.IsType(t, &lock.Memory{}, sh.Locker)
	require.NoError(t, sh.Store.WriteHeartbeat(ctx, "alice", time.Now()))
	assert.NotNil(t, sh.BrokerBreaker)
	assert.NotSame(t, sh.BrokerLimiter, sh.DataLimiter)
}

func TestNewSharedWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := wireConfig(t)
	cfg.Redis.Addr = mr.Addr()

	sh, closeAll, err := NewShared(context.Background(), cfg, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer closeAll()
	assert.IsType(t, &lock.Redis{}, sh.Locker)

	unlock, ok, err := sh.Locker.TryLock(context.Background(), "alice:AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, mr.Keys(), 1)
	unlock()
	assert.Empty(t, mr.Keys())
}

func TestNewSharedRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := wireConfig(t)
	cfg.Redis.Addr = mr.Addr()
	mr.Close()

	_, _, err := NewShared(context.Background(), cfg, nil, slog.New(slog.DiscardHandler))
	assert.ErrorContains(t, err, "redis ping")
}

func TestDefaultConnector(t *testing.T) {
	cfg := config.Default()
	cfg.Orders.Backend = "simulator"
	b, md, err := DefaultConnector(cfg, slog.New(slog.DiscardHandler))(config.User{ID: "alice"})
	require.NoError(t, err)
	assert.IsType(t, &broker.SimulatorBroker{}, b)
	assert.IsType(t, &marketdata.Static{}, md)

	funds, err := b.GetFunds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100000.0, funds.Available)

	cfg.Orders.Backend = "alpaca"
	_, _, err = DefaultConnector(cfg, slog.New(slog.DiscardHandler))(config.User{ID: "bob"})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	b, _, err = DefaultConnector(cfg, slog.New(slog.DiscardHandler))(config.User{ID: "carol", APIKey: "k", APISecret: "s", Paper: true})
	require.NoError(t, err)
	assert.Equal(t, "alpaca", b.Name())
}
