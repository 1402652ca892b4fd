package engine

import "time"

// Clock supplies wall time for createdAt, updatedAt and event timestamps.
// Ordering never depends on it; versions order events.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
