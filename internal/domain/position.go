package domain

import (
	"fmt"
	"strings"
	"time"
)

// PositionVersion is the current encoding version of Position rows.
// Version 0 stored levels as a JSON object; version 1 stores "L1,L2".
const PositionVersion = 1

// Level is one of the three re-entry depths.
type Level string

const (
	L1 Level = "L1"
	L2 Level = "L2"
	L3 Level = "L3"
)

// AllLevels lists levels from shallowest to deepest.
var AllLevels = []Level{L1, L2, L3}

func (l Level) bit() LevelSet {
	switch l {
	case L1:
		return 1
	case L2:
		return 2
	case L3:
		return 4
	}
	return 0
}

// LevelSet is a set of taken re-entry levels.
type LevelSet uint8

// Has reports whether l is in the set.
func (s LevelSet) Has(l Level) bool { return s&l.bit() != 0 }

// With returns the set with l added.
func (s LevelSet) With(l Level) LevelSet { return s | l.bit() }

// Union returns s plus every level in o.
func (s LevelSet) Union(o LevelSet) LevelSet { return s | o }

// Empty reports whether no level is taken.
func (s LevelSet) Empty() bool { return s == 0 }

// Full reports whether all three levels are taken.
func (s LevelSet) Full() bool { return s == 7 }

// Levels returns the members in L1..L3 order.
func (s LevelSet) Levels() []Level {
	var out []Level
	for _, l := range AllLevels {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// String encodes the set as a comma separated list, e.g. "L1,L2".
func (s LevelSet) String() string {
	parts := make([]string, 0, 3)
	for _, l := range s.Levels() {
		parts = append(parts, string(l))
	}
	return strings.Join(parts, ",")
}

// ParseLevelSet decodes the String form.
func ParseLevelSet(raw string) (LevelSet, error) {
	var s LevelSet
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s, nil
	}
	for _, p := range strings.Split(raw, ",") {
		l := Level(strings.ToUpper(strings.TrimSpace(p)))
		if l.bit() == 0 {
			return 0, fmt.Errorf("unknown level %q", p)
		}
		s = s.With(l)
	}
	return s, nil
}

// ReentryFill is one executed buy that added to a position.
type ReentryFill struct {
	Quantity float64   `json:"qty"`
	Price    float64   `json:"price"`
	Level    Level     `json:"level"`
	At       time.Time `json:"at"`
}

// Position is the aggregate holding of one symbol for one user. At most one
// open position exists per (user, symbol).
type Position struct {
	ID              int64
	Version         int
	UserID          string
	Symbol          string
	Quantity        float64
	AvgEntryPrice   float64
	EntryOscillator *float64 // nil when unknown
	LevelsTaken     LevelSet
	ResetReady      bool
	ReentryCycle    int
	ReentryCount    int
	ReentryHistory  []ReentryFill
	RealizedPnL     float64
	OpenedAt        time.Time
	ClosedAt        *time.Time
	UpdatedAt       time.Time
}

// NewPosition opens a position from a first executed buy.
func NewPosition(userID, symbol string, qty, price float64, entryOsc *float64, at time.Time) *Position {
	return &Position{
		Version:         PositionVersion,
		UserID:          userID,
		Symbol:          strings.ToUpper(symbol),
		Quantity:        qty,
		AvgEntryPrice:   price,
		EntryOscillator: entryOsc,
		OpenedAt:        at,
		UpdatedAt:       at,
	}
}

// IsOpen reports whether the position still holds shares.
func (p *Position) IsOpen() bool { return p.ClosedAt == nil }

// ApplyBuy adds an executed buy, re-averaging the entry price. A non-empty
// level records the fill in the re-entry history.
func (p *Position) ApplyBuy(qty, price float64, level Level, at time.Time) error {
	if !p.IsOpen() {
		return fmt.Errorf("%w: buy %s", ErrPositionClosed, p.Symbol)
	}
	if qty <= 0 {
		return nil
	}
	total := p.Quantity + qty
	p.AvgEntryPrice = (p.Quantity*p.AvgEntryPrice + qty*price) / total
	p.Quantity = total
	if level != "" {
		p.ReentryCount++
		p.ReentryHistory = append(p.ReentryHistory, ReentryFill{Quantity: qty, Price: price, Level: level, At: at})
	}
	p.UpdatedAt = at
	return nil
}

// ApplySell reduces the position and closes it when nothing remains. It
// returns the realized profit of the sold quantity.
func (p *Position) ApplySell(qty, price float64, at time.Time) (float64, error) {
	if !p.IsOpen() {
		return 0, fmt.Errorf("%w: sell %s", ErrPositionClosed, p.Symbol)
	}
	if qty > p.Quantity {
		qty = p.Quantity
	}
	realized := (price - p.AvgEntryPrice) * qty
	p.RealizedPnL += realized
	p.Quantity -= qty
	p.UpdatedAt = at
	if p.Quantity <= 0 {
		p.close(at)
	}
	return realized, nil
}

// SetQuantity forces the held quantity, closing the position at zero.
func (p *Position) SetQuantity(qty float64, at time.Time) {
	p.UpdatedAt = at
	if qty <= 0 {
		p.close(at)
		return
	}
	p.Quantity = qty
}

func (p *Position) close(at time.Time) {
	p.Quantity = 0
	closed := at
	p.ClosedAt = &closed
}

// ReentryState names the position's place in the re-entry cycle given the
// levels pre-taken by its entry depth.
func (p *Position) ReentryState(preTaken LevelSet) string {
	if !p.IsOpen() {
		return "CLOSED"
	}
	if p.ResetReady {
		return "AWAITING_RESET"
	}
	taken := p.LevelsTaken
	if p.ReentryCycle == 0 {
		taken = taken.Union(preTaken)
	}
	for _, l := range AllLevels {
		if !taken.Has(l) {
			return string(l) + "_AVAILABLE"
		}
	}
	return "L3_TAKEN"
}
