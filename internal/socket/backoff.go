package socket

import "time"

// MaxRetries is the reconnect budget per handle. The failure after the last
// retry is terminal.
const MaxRetries = 5

// Backoff computes reconnect delays. The zero-based retry n waits
// min(Base*2^n, Cap), or min(Base*(n+1), Cap) when Linear is set.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Linear bool
}

// Delay returns the wait before retry n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	var d time.Duration
	if b.Linear {
		d = b.Base * time.Duration(n+1)
	} else {
		d = b.Base
		for i := 0; i < n && (b.Cap <= 0 || d < b.Cap); i++ {
			d *= 2
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// BackoffFor returns the schedule used by a sub-channel.
func BackoffFor(sub SubChannel) Backoff {
	switch sub {
	case SubDirect:
		return Backoff{Base: 900 * time.Millisecond, Cap: 10 * time.Second, Linear: true}
	case SubThreads:
		return Backoff{Base: 1200 * time.Millisecond, Cap: 12 * time.Second}
	default:
		return Backoff{Base: time.Second, Cap: 15 * time.Second}
	}
}
