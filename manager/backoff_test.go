package manager

import "testing"

func TestBackoffGrowsByMultiplierAndCaps(t *testing.T) {
	b := newBackoff()

	first := b.next()
	if first != b.min {
		t.Fatalf("first delay = %v, want %v", first, b.min)
	}

	prev := first
	for i := 0; i < 200; i++ {
		d := b.next()
		if d < prev {
			t.Fatalf("backoff decreased: %v -> %v", prev, d)
		}
		if d > b.max {
			t.Fatalf("backoff exceeded max: %v > %v", d, b.max)
		}
		prev = d
	}
	if prev != b.max {
		t.Fatalf("expected backoff to saturate at max after many failures, got %v", prev)
	}
}

func TestBackoffResetReturnsToMin(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	if d := b.next(); d != b.min {
		t.Fatalf("delay after reset = %v, want min %v", d, b.min)
	}
}
