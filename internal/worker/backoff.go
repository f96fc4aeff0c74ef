package worker

import "time"

// Backoff is the exponential retry delay min(Base * 2^retryCount, Cap)
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns how long a job that already failed retryCount times waits before its next attempt
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 0; i < retryCount; i++ {
		if b.Cap > 0 && delay >= b.Cap {
			break
		}
		delay *= 2
	}

	if b.Cap > 0 && delay > b.Cap {
		return b.Cap
	}
	return delay
}
