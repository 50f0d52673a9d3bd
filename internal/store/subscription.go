package store

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Snapshot is the value at a subscribed path at some point in time.
type Snapshot struct {
	Path string
	// Raw is the JSON value, nil when nothing is stored at Path.
	Raw json.RawMessage
}

func (s Snapshot) Exists() bool {
	return s.Raw != nil
}

// Decode unmarshals the snapshot into dst and reports whether a value exists.
func (s Snapshot) Decode(dst any) (bool, error) {
	if s.Raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.Raw, dst)
}

// Subscription delivers the value at a path: once right after subscribing
// and again each time it changes. Only the latest undelivered value is
// kept, a slow consumer skips intermediate values but never misses the
// final one.
type Subscription struct {
	path string

	mu        sync.Mutex
	last      []byte
	delivered bool
	closed    bool
	c         chan Snapshot

	closeOnce sync.Once
	onClose   func()
}

func newSubscription(path string, onClose func()) *Subscription {
	return &Subscription{
		path:    path,
		c:       make(chan Snapshot, 1),
		onClose: onClose,
	}
}

func (s *Subscription) Path() string {
	return s.path
}

// C returns the channel of snapshots. It is closed by Close.
func (s *Subscription) C() <-chan Snapshot {
	return s.c
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.c)
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) push(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.delivered && bytes.Equal(raw, s.last)) {
		return
	}
	s.last, s.delivered = raw, true

	snap := Snapshot{Path: s.path, Raw: raw}
	for {
		select {
		case s.c <- snap:
			return
		default:
		}

		// Drop the stale value nobody has read yet.
		select {
		case <-s.c:
		default:
		}
	}
}
