package util

import (
	"context"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // market timezone must resolve on minimal images

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// DateLayout is the trading-date format used for run keys and report names.
const DateLayout = "2006-01-02"

// HolidaySource lists market holidays in [from, to].
type HolidaySource interface {
	Holidays(ctx context.Context, from, to time.Time) (map[string]bool, error)
}

// TradingCalendar answers "is this a trading day" for one market timezone.
type TradingCalendar struct {
	loc      *time.Location
	weekdays map[time.Weekday]bool
	holidays HolidaySource

	mu     sync.Mutex
	cached map[int]map[string]bool // year -> holiday dates
}

// NewTradingCalendar creates a TradingCalendar. holidays may be nil.
func NewTradingCalendar(tz string, weekdays []time.Weekday, holidays HolidaySource) (*TradingCalendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	wd := make(map[time.Weekday]bool, len(weekdays))
	for _, d := range weekdays {
		wd[d] = true
	}
	return &TradingCalendar{
		loc:      loc,
		weekdays: wd,
		holidays: holidays,
		cached:   make(map[int]map[string]bool),
	}, nil
}

// Location returns the market timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Date returns t's trading date string in the market timezone.
func (tc *TradingCalendar) Date(t time.Time) string {
	return t.In(tc.loc).Format(DateLayout)
}

// IsTradingDay reports whether t falls on a configured weekday that is not a
// holiday. Holiday lookup failures are returned; callers decide whether to
// fail open.
func (tc *TradingCalendar) IsTradingDay(ctx context.Context, t time.Time) (bool, error) {
	local := t.In(tc.loc)
	if !tc.weekdays[local.Weekday()] {
		return false, nil
	}
	if tc.holidays == nil {
		return true, nil
	}
	hol, err := tc.yearHolidays(ctx, local.Year())
	if err != nil {
		return true, err
	}
	return !hol[local.Format(DateLayout)], nil
}

// PreviousTradingDay returns the last trading day strictly before t, looking
// back at most two weeks.
func (tc *TradingCalendar) PreviousTradingDay(ctx context.Context, t time.Time) time.Time {
	d := t.In(tc.loc)
	for i := 0; i < 14; i++ {
		d = d.AddDate(0, 0, -1)
		if ok, _ := tc.IsTradingDay(ctx, d); ok {
			return d
		}
	}
	return t.In(tc.loc).AddDate(0, 0, -1)
}

func (tc *TradingCalendar) yearHolidays(ctx context.Context, year int) (map[string]bool, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if h, ok := tc.cached[year]; ok {
		return h, nil
	}
	from := time.Date(year, 1, 1, 0, 0, 0, 0, tc.loc)
	to := time.Date(year, 12, 31, 0, 0, 0, 0, tc.loc)
	h, err := tc.holidays.Holidays(ctx, from, to)
	if err != nil {
		return nil, err
	}
	tc.cached[year] = h
	return h, nil
}

// StaticHolidays is a fixed list of "2006-01-02" dates.
type StaticHolidays []string

// Holidays implements HolidaySource.
func (s StaticHolidays) Holidays(_ context.Context, _, _ time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for _, d := range s {
		out[d] = true
	}
	return out, nil
}

type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaHolidays derives holidays from the Alpaca market calendar: every
// Monday-Friday in range that the calendar does not list as a session.
type AlpacaHolidays struct {
	client calendarClient
}

// NewAlpacaHolidays wraps an Alpaca trading client.
func NewAlpacaHolidays(client calendarClient) *AlpacaHolidays {
	return &AlpacaHolidays{client: client}
}

// Holidays implements HolidaySource.
func (a *AlpacaHolidays) Holidays(_ context.Context, from, to time.Time) (map[string]bool, error) {
	days, err := a.client.GetCalendar(alpaca.GetCalendarRequest{Start: from, End: to})
	if err != nil {
		return nil, fmt.Errorf("alpaca calendar: %w", err)
	}
	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}
	out := make(map[string]bool)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		key := d.Format(DateLayout)
		if !open[key] {
			out[key] = true
		}
	}
	return out, nil
}
