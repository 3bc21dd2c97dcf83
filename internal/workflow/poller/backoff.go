package poller

import "time"

// ladder is the retry delay progression after consecutive poll failures.
var ladder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// Backoff tracks consecutive failures and yields the next retry delay.
// The zero value is ready to use.
type Backoff struct {
	// Attempt counts consecutive failures since the last success.
	Attempt int

	// steps overrides the ladder; nil means the default.
	steps []time.Duration
}

// Next records a failure and returns the delay before the next attempt.
// Delays climb the ladder and hold at the cap.
func (b *Backoff) Next() time.Duration {
	steps := b.steps
	if steps == nil {
		steps = ladder
	}
	idx := b.Attempt
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	b.Attempt++
	return steps[idx]
}

// Reset clears the failure streak after a successful poll.
func (b *Backoff) Reset() {
	b.Attempt = 0
}
