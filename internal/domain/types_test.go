package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusOngoing, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusRetryPending, true},
		{OrderStatusPending, OrderStatusExecuted, false},
		{OrderStatusOngoing, OrderStatusExecuted, true},
		{OrderStatusOngoing, OrderStatusCancelled, true},
		{OrderStatusOngoing, OrderStatusRejected, true},
		{OrderStatusOngoing, OrderStatusPending, false},
		{OrderStatusRetryPending, OrderStatusPending, true},
		{OrderStatusRetryPending, OrderStatusRejected, true},
		{OrderStatusRetryPending, OrderStatusOngoing, false},
		{OrderStatusExecuted, OrderStatusCancelled, false},
		{OrderStatusRejected, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusOngoing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "CanTransition(%s, %s)", tt.from, tt.to)
	}
}

func TestOrderTransitionStampsTimes(t *testing.T) {
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	o := NewOrder("u1", "aapl", OrderSideBuy, OrderTypeMarket, 10, 0, EntryTypeInitial, now)

	assert.Equal(t, "AAPL", o.Symbol)
	assert.Contains(t, o.ClientOrderID, ClientOrderPrefix)

	require.ErrorIs(t, o.Transition(OrderStatusExecuted, now), ErrInvalidTransition)
	require.NoError(t, o.Transition(OrderStatusOngoing, now))
	assert.Nil(t, o.ClosedAt, "ClosedAt set on non-terminal status")

	later := now.Add(time.Minute)
	require.NoError(t, o.Transition(OrderStatusExecuted, later))
	require.NotNil(t, o.ClosedAt)
	assert.True(t, o.ClosedAt.Equal(later))
	require.NotNil(t, o.FilledAt)
	assert.True(t, o.FilledAt.Equal(later))
	assert.True(t, o.Status.IsTerminal())
}

func TestNewClientOrderIDIsUnique(t *testing.T) {
	a, b := NewClientOrderID(), NewClientOrderID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, "^"+ClientOrderPrefix, a)
}

func TestOrderKeyString(t *testing.T) {
	k := OrderKey{UserID: "1", Symbol: "x", Side: OrderSideBuy}
	assert.Equal(t, "1|X|buy", k.String())
}

func TestLevelSet(t *testing.T) {
	var s LevelSet
	assert.True(t, s.Empty())
	s = s.With(L2).With(L1)
	assert.Equal(t, "L1,L2", s.String())
	assert.False(t, s.Has(L3))
	assert.False(t, s.Full())

	parsed, err := ParseLevelSet("L1, l2,L3")
	require.NoError(t, err)
	assert.True(t, parsed.Full())
	_, err = ParseLevelSet("L4")
	assert.Error(t, err)
}

func TestPositionFillsAndClose(t *testing.T) {
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	osc := 28.0
	p := NewPosition("u1", "X", 10, 100, &osc, now)

	require.NoError(t, p.ApplyBuy(10, 80, L1, now))
	assert.Equal(t, 20.0, p.Quantity)
	assert.Equal(t, 90.0, p.AvgEntryPrice)
	assert.Equal(t, 1, p.ReentryCount)
	require.Len(t, p.ReentryHistory, 1)
	assert.Equal(t, L1, p.ReentryHistory[0].Level)

	realized, err := p.ApplySell(20, 100, now)
	require.NoError(t, err)
	assert.Equal(t, 200.0, realized)
	assert.False(t, p.IsOpen())
	assert.Zero(t, p.Quantity)

	assert.ErrorIs(t, p.ApplyBuy(1, 50, "", now), ErrPositionClosed)
	_, err = p.ApplySell(1, 50, now)
	assert.ErrorIs(t, err, ErrPositionClosed)
}

func TestReentryState(t *testing.T) {
	p := NewPosition("u1", "X", 10, 100, nil, time.Now())
	assert.Equal(t, "L1_AVAILABLE", p.ReentryState(0))
	assert.Equal(t, "L2_AVAILABLE", p.ReentryState(LevelSet(0).With(L1)))

	p.ReentryCycle = 1
	assert.Equal(t, "L1_AVAILABLE", p.ReentryState(LevelSet(0).With(L1)), "pre-taken levels apply in cycle 0 only")

	p.ResetReady = true
	assert.Equal(t, "AWAITING_RESET", p.ReentryState(0))
}

func TestDecodeLevelsLegacy(t *testing.T) {
	s, err := DecodeLevels(0, `{"L1":true,"L2":false,"l3":true}`)
	require.NoError(t, err)
	assert.Equal(t, "L1,L3", s.String())

	s, err = DecodeLevels(PositionVersion, "L2")
	require.NoError(t, err)
	assert.Equal(t, "L2", s.String())
}

func TestMigratePosition(t *testing.T) {
	p := &Position{Version: 0, Quantity: 0, UpdatedAt: time.Now()}
	require.True(t, MigratePosition(p))
	assert.Equal(t, PositionVersion, p.Version)
	assert.False(t, p.IsOpen())
	assert.False(t, MigratePosition(p), "no-op at the current version")
}

func TestTaskScheduleKind(t *testing.T) {
	ts := TaskSchedule{TaskName: "exit_monitor", IsContinuous: true,
		StartTime: MustClock("09:30"), EndTime: MustClock("15:55")}
	assert.Equal(t, TaskKindContinuous, ts.Kind())
	assert.NoError(t, ts.Validate())
	ts.EndTime = MustClock("09:00")
	assert.Error(t, ts.Validate(), "end before start")

	loc := time.FixedZone("EST", -5*3600)
	day := time.Date(2024, 3, 4, 1, 2, 3, 0, loc)
	got := MustClock("09:30").On(day)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 30, got.Minute())
	assert.Equal(t, 4, got.Day())
}
