// Package visibility implements the four-level clearance lattice that
// gates every read and write in the bridge. Comparison is always by
// integer order; the string names exist only at serialization boundaries.
package visibility

import (
	"database/sql/driver"
	"fmt"
)

// Level is a visibility (or clearance) level. Higher values are more
// restricted.
type Level int

const (
	Public Level = iota
	Team
	Confidential
	Restricted
)

var names = [...]string{"public", "team", "confidential", "restricted"}

// ParseLevel converts a lowercase level name to a Level.
func ParseLevel(s string) (Level, error) {
	for i, n := range names {
		if s == n {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown visibility level %q", s)
}

func (l Level) String() string {
	if l < Public || l > Restricted {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return names[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Public && l <= Restricted
}

// CanSee reports whether an agent with the given clearance may read an
// entity with the given visibility.
func CanSee(clearance, entityVisibility Level) bool {
	return entityVisibility <= clearance
}

// Cap clamps a requested visibility to the sender's maximum.
func Cap(requested, max Level) Level {
	if requested > max {
		return max
	}
	return requested
}

// Raise returns the higher of the two levels. Used for high-water mark
// updates, which are monotonic.
func Raise(current, candidate Level) Level {
	if candidate > current {
		return candidate
	}
	return current
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid visibility level %d", int(l))
	}
	return []byte(names[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Value implements driver.Valuer; levels are stored as their names so
// the database file stays readable.
func (l Level) Value() (driver.Value, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid visibility level %d", int(l))
	}
	return names[l], nil
}

// Scan implements sql.Scanner.
func (l *Level) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	case int64:
		*l = Level(v)
		if !l.Valid() {
			return fmt.Errorf("invalid visibility level %d", v)
		}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into visibility.Level", src)
	}
}
