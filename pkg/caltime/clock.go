package caltime

import (
	"fmt"
	"time"
)

// Clock reads the current instant and the clinic's wall clock.
type Clock interface {
	// Now returns the current instant, used for audit timestamps.
	Now() time.Time
	// Local returns the current clinic-local date and time of day.
	Local() DateTime
}

// ZoneClock is a Clock bound to a fixed location.
type ZoneClock struct {
	loc *time.Location
	now func() time.Time
}

// NewZoneClock returns a clock reading wall time in the named IANA zone.
// An empty name means the process-local zone.
func NewZoneClock(zone string) (*ZoneClock, error) {
	loc := time.Local
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("load location %q: %w", zone, err)
		}
		loc = l
	}
	return &ZoneClock{loc: loc, now: time.Now}, nil
}

func (c *ZoneClock) Now() time.Time { return c.now() }

func (c *ZoneClock) Local() DateTime {
	t := c.now().In(c.loc)
	return DateTime{Date: DateOf(t), Time: TimeOfDayOf(t)}
}

// FixedClock is a Clock pinned to a single reading. It is intended for tests.
type FixedClock struct {
	Instant time.Time
	Wall    DateTime
}

// NewFixedClock pins both readings to the given wall time, treating it as
// the instant as well.
func NewFixedClock(wall DateTime) *FixedClock {
	return &FixedClock{Instant: wall.carrier(), Wall: wall}
}

func (c *FixedClock) Now() time.Time  { return c.Instant }
func (c *FixedClock) Local() DateTime { return c.Wall }

// Advance moves both readings forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.Instant = c.Instant.Add(d)
	t := c.Wall.carrier().Add(d)
	c.Wall = DateTime{Date: DateOf(t), Time: TimeOfDayOf(t)}
}
