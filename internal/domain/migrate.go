package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeLevels reads a stored levels column according to the row version.
func DecodeLevels(version int, raw string) (LevelSet, error) {
	if version >= PositionVersion {
		return ParseLevelSet(raw)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return 0, nil
	}
	var legacy map[string]bool
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return 0, fmt.Errorf("decode v0 levels %q: %w", raw, err)
	}
	var s LevelSet
	for k, taken := range legacy {
		l := Level(strings.ToUpper(k))
		if !taken || l.bit() == 0 {
			continue
		}
		s = s.With(l)
	}
	return s, nil
}

// MigratePosition upgrades a position loaded from an older row version in
// place. It reports whether anything changed so the caller can persist it.
func MigratePosition(p *Position) bool {
	if p.Version >= PositionVersion {
		return false
	}
	// v0 rows did not keep closed_at in step with quantity.
	if p.Quantity > 0 && p.ClosedAt != nil {
		p.ClosedAt = nil
	}
	if p.Quantity <= 0 && p.ClosedAt == nil {
		p.close(p.UpdatedAt)
	}
	p.Version = PositionVersion
	return true
}
