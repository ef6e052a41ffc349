package worker

import (
	"math/rand"
	"testing"
	"time"
)

func TestComputeBackoffStaysWithinFullJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		attempt int
		cap     time.Duration
	}{
		{0, backoffBase},
		{1, 2 * backoffBase},
		{2, 4 * backoffBase},
		{10, backoffCap},
		{100, backoffCap},
	}
	for _, c := range cases {
		for i := 0; i < 20; i++ {
			d := computeBackoff(c.attempt, rng)
			if d < 0 || d > c.cap {
				t.Fatalf("attempt %d: delay %v outside [0, %v]", c.attempt, d, c.cap)
			}
		}
	}
}

func TestComputeBackoffNeverExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for attempt := 0; attempt <= 40; attempt++ {
		for i := 0; i < 5; i++ {
			if d := computeBackoff(attempt, rng); d > backoffCap {
				t.Fatalf("attempt %d produced delay %v exceeding cap %v", attempt, d, backoffCap)
			}
		}
	}
}
