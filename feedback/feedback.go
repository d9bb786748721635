// Package feedback accumulates target feedback collected after each
// payload emission: named fragment sequences with timestamps, the last
// raw byte string observed, and an error code describing delivery
// problems. A single Store instance is shared between the caller thread
// and the collector workers, so every accessor is safe for concurrent
// use.
package feedback

import (
	"bytes"
	"sync"
	"time"
)

// Entry is one reference's accumulated feedback: the ordered fragment
// sequence and the parallel timestamp sequence.
type Entry struct {
	Ref        string
	Fragments  [][]byte
	Timestamps []time.Time
}

// Store is a thread-safe feedback accumulator keyed by reference id.
type Store struct {
	mu sync.Mutex

	order      []string
	fragments  map[string][][]byte
	timestamps map[string][]time.Time

	raw      []byte
	rawStamp time.Time
	errCode  int
}

// NewStore returns an empty feedback store.
func NewStore() *Store {
	return &Store{
		fragments:  make(map[string][][]byte),
		timestamps: make(map[string][]time.Time),
	}
}

// AddFrom appends a feedback fragment under ref, stamped with the
// current time. A fragment identical (up to surrounding whitespace) to
// the one most recently recorded under ref is dropped, so a chatty
// channel repeating itself does not flood the collector.
func (s *Store) AddFrom(ref string, fbk []byte) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	frags, known := s.fragments[ref]
	if !known {
		s.order = append(s.order, ref)
	}
	if n := len(frags); n > 0 {
		if bytes.Equal(bytes.TrimSpace(frags[n-1]), bytes.TrimSpace(fbk)) {
			return
		}
	}
	s.fragments[ref] = append(frags, fbk)
	s.timestamps[ref] = append(s.timestamps[ref], now)
}

// HasEntries reports whether any fragment has been collected.
func (s *Store) HasEntries() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) > 0
}

// SetErrorCode records a delivery status. Zero means no error; negative
// values identify specific failures.
func (s *Store) SetErrorCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCode = code
}

// ErrorCode returns the last recorded delivery status.
func (s *Store) ErrorCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCode
}

// SetBytes stores the last raw feedback byte string, stamped now.
func (s *Store) SetBytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = b
	s.rawStamp = time.Now()
}

// Bytes returns the last raw feedback byte string, or nil.
func (s *Store) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

// Timestamp returns the time the last raw byte string was stored; the
// zero time when none was.
func (s *Store) Timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawStamp
}

// Snapshot returns a copy of every collected entry in insertion order,
// leaving the collector untouched.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.order))
	for _, ref := range s.order {
		entries = append(entries, Entry{
			Ref:        ref,
			Fragments:  append([][]byte(nil), s.fragments[ref]...),
			Timestamps: append([]time.Time(nil), s.timestamps[ref]...),
		})
	}
	return entries
}

// Drain returns every collected entry and empties the collector in the
// same critical section, so concurrent AddFrom calls land in the next
// batch rather than being lost.
func (s *Store) Drain() []Entry {
	s.mu.Lock()
	order := s.order
	fragments := s.fragments
	timestamps := s.timestamps
	s.order = nil
	s.fragments = make(map[string][][]byte)
	s.timestamps = make(map[string][]time.Time)
	s.mu.Unlock()

	entries := make([]Entry, 0, len(order))
	for _, ref := range order {
		entries = append(entries, Entry{
			Ref:        ref,
			Fragments:  fragments[ref],
			Timestamps: timestamps[ref],
		})
	}
	return entries
}

// Reset clears the raw byte slot and the error code before a new
// emission. The fragment collector is intentionally left alone: it is
// emptied on consumption (Drain) so late-arriving feedback from a still
// running worker is not lost.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = nil
	s.rawStamp = time.Time{}
	s.errCode = 0
}
