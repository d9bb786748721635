// Package retry provides the shared bounded-backoff policy used by the
// send and receive paths when they hit transient I/O conditions.
package retry

import "time"

// Default policies. Attempt counts and delays match the behaviour the
// delivery layer expects: sends back off briefly on would-block
// conditions, receives tolerate a few resource-unavailable hiccups
// before the handle is treated as exhausted.
var (
	// Send retries a payload write that timed out before the whole
	// buffer went out.
	Send = Policy{MaxAttempts: 10, Delay: 200 * time.Millisecond}

	// Receive retries a feedback read that failed with a transient
	// error while the handle is still considered live.
	Receive = Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond}

	// DatagramAccept retries the one-shot bounded receive performed by
	// datagram and raw listeners waiting for a first inbound packet.
	DatagramAccept = Policy{MaxAttempts: 10, Delay: 500 * time.Millisecond}
)

// Policy is a bounded retry schedule: at most MaxAttempts tries with a
// fixed Delay between them.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs op until it succeeds, reports a non-retryable error, or the
// attempt budget is spent. op returns (retryable, err); a nil err stops
// the loop immediately. The error of the last attempt is returned.
func (p Policy) Do(op func() (retryable bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		var retryable bool
		retryable, err = op()
		if err == nil || !retryable {
			return err
		}
		if i < attempts-1 {
			time.Sleep(p.Delay)
		}
	}
	return err
}
