package transport

import (
	"testing"
	"time"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		got := b.next()
		if got != w {
			t.Errorf("next() #%d = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Errorf("next() #%d = %v decreased from %v; must be monotonically non-decreasing", i+1, got, prev)
		}
		prev = got
	}
}

func TestBackoffResetReturnsToFloor(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	for i := 0; i < 5; i++ {
		b.next()
	}
	b.reset()

	if got := b.next(); got != time.Second {
		t.Errorf("next() after reset = %v, want floor 1s", got)
	}
	if b.attempt != 1 {
		t.Errorf("attempt after reset+next = %d, want 1", b.attempt)
	}
}
