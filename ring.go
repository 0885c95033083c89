package main

import "sync"

// eventRing is a fixed-capacity FIFO of recent request events backing the
// tail endpoint of the control API. Oldest entries are overwritten once
// the ring is full.
type eventRing struct {
	mutex sync.Mutex
	buf   []RequestEvent
	next  int
	full  bool
}

func newEventRing(size int) *eventRing {
	if size < 1 {
		size = 1
	}
	return &eventRing{buf: make([]RequestEvent, size)}
}

func (r *eventRing) Add(ev RequestEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the buffered events oldest first.
func (r *eventRing) Snapshot() []RequestEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.full {
		out := make([]RequestEvent, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]RequestEvent, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
