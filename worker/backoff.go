package worker

import (
	"math/rand"
	"time"
)

// Full-jitter retry bounds: a resolved-retryable item is retried forever,
// with delay bounded between zero and an exponentially growing cap.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// computeBackoff returns a full-jitter delay for the given retry attempt
// (0 = first retry), following the same exponential shape as
// graph/policy.go's computeBackoff but using the AWS "full jitter"
// distribution (sleep = random(0, min(cap, base*2^attempt))) instead of
// additive jitter, and with no attempt ceiling: retries never stop.
func computeBackoff(attempt int, rng *rand.Rand) time.Duration {
	exp := backoffBase
	// Guard against overflow from shifting by a large attempt count; once
	// the exponential would exceed the cap there's no point continuing to
	// shift.
	if attempt > 0 && attempt < 32 {
		exp = backoffBase * time.Duration(int64(1)<<uint(attempt))
	}
	if attempt >= 32 || exp > backoffCap || exp <= 0 {
		exp = backoffCap
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter timing, not security
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(exp)))
}
