package transport

import "time"

// backoff implements the reconnect delay policy: start at the floor, double
// after every failed attempt, never exceed the ceiling, reset to the floor
// on a successful connection.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
	attempt int
}

func newBackoff(floor, ceiling time.Duration) *backoff {
	return &backoff{floor: floor, ceiling: ceiling, current: floor}
}

// next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *backoff) next() time.Duration {
	d := b.current
	b.attempt++
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

// reset returns the schedule to the floor after a successful connection.
func (b *backoff) reset() {
	b.current = b.floor
	b.attempt = 0
}
