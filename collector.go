package fuzztarget

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/retry"
)

// operation tracks one framework-initiated send: how many collector
// workers it spawned and how many completed. Completion is keyed
// strictly by operation so overlapping multi-payload sends cannot
// mis-attribute each other's signals.
type operation struct {
	id        uint64
	spawned   atomic.Int32
	completed atomic.Int32
	sealed    atomic.Bool
}

// seal marks the initiating call as returned; late server-mode accepts
// may still add workers afterwards.
func (o *operation) seal() { o.sealed.Store(true) }

// ready reports whether every spawned worker has completed. An
// operation that never spawned a worker (nothing to collect) is ready
// as soon as its initiating call returns.
func (o *operation) ready() bool {
	return o.sealed.Load() && o.completed.Load() >= o.spawned.Load()
}

// fbkHandle is one feedback source of a collector pass: the handle, the
// reference id its bytes are stored under, and the expected length
// (zero = collect until the timeout).
type fbkHandle struct {
	h        *handle
	ref      string
	expected int
	got      int
	chunks   [][]byte
	retries  int
}

// collectFeedback is the multiplexer worker of one send operation. It
// drains every handle until each met its expected length, signalled
// end-of-data, or the feedback timeout elapsed, then folds the results
// into the feedback store. Exactly one worker runs per operation,
// bounding goroutine growth to one-per-send rather than one-per-socket.
func (t *NetworkTarget) collectFeedback(op *operation, fromFMK bool, hs []*fbkHandle, timeout time.Duration) {
	defer func() {
		if fromFMK && op != nil {
			op.completed.Add(1)
		}
	}()

	remaining := make(map[*fbkHandle]bool, len(hs))
	for _, fh := range hs {
		remaining[fh] = true
		if fh.expected > 0 && fh.got >= fh.expected {
			// Pre-feedback seed data already satisfied the handle.
			delete(remaining, fh)
		}
	}

	start := time.Now()
	buf := make([]byte, ChunkSize)
	firstData := true

	for len(remaining) > 0 && time.Since(start) <= timeout {
		slice := acceptPollInterval / time.Duration(len(remaining))
		if slice < 10*time.Millisecond {
			slice = 10 * time.Millisecond
		}

		for fh := range remaining {
			want := ChunkSize
			if fh.expected > 0 && fh.expected-fh.got < want {
				want = fh.expected - fh.got
			}

			_ = fh.h.setReadDeadline(time.Now().Add(slice))
			n, err := fh.h.read(buf[:want])

			if n > 0 {
				if firstData {
					firstData = false
					t.stampAck(time.Now())
				}
				fh.chunks = append(fh.chunks, append([]byte(nil), buf[:n]...))
				fh.got += n
				fh.retries = 0
				if fh.expected > 0 && fh.got >= fh.expected {
					delete(remaining, fh)
				}
			}

			switch {
			case err == nil:
				// Data or nothing; either way the handle stays.
			case isTimeoutErr(err):
				// Not ready this slice.
			case errors.Is(err, io.EOF):
				// Peer closed: deregister, close unless still shared,
				// drop from the remaining set.
				delete(remaining, fh)
				t.purgeHandle(fh.h)
				t.releaseHandle(fh.h)
			case errors.Is(err, net.ErrClosed):
				delete(remaining, fh)
				t.purgeHandle(fh.h)
			default:
				fh.retries++
				if fh.retries >= retry.Receive.MaxAttempts {
					delete(remaining, fh)
					t.purgeHandle(fh.h)
					fh.h.close()
					t.recordHandleError(fh.ref, err)
				} else {
					time.Sleep(retry.Receive.Delay)
				}
			}
		}
	}

	for _, fh := range hs {
		blob := bytes.Join(fh.chunks, []byte("\n"))

		t.fbkMu.Lock()
		filtered, status := t.hooks.FilterFeedback(blob, fh.ref)
		if status < 0 {
			t.store.SetErrorCode(status)
		}
		if len(filtered) > 0 {
			t.store.AddFrom(fh.ref, filtered)
		}
		t.fbkMu.Unlock()

		t.releaseHandle(fh.h)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NetworkTarget.collectFeedback",
		"handles":  len(hs),
		"elapsed":  time.Since(start).String(),
	}).Debug("Feedback collection completed")
}

// recordHandleError notes a feedback channel that failed mid-collection.
func (t *NetworkTarget) recordHandleError(ref string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "NetworkTarget.recordHandleError",
		"ref":      ref,
		"error":    err.Error(),
	}).Warn("Feedback handle failed")

	t.fbkMu.Lock()
	t.store.SetErrorCode(ErrCodeHandleError)
	t.store.AddFrom(ref, []byte(fmt.Sprintf("unable to interact with feedback source: %v", err)))
	t.fbkMu.Unlock()
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
