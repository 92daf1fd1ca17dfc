package session

import "sync"

// record is one in-flight request. It is created by the ingress loop,
// handed to a worker, and freed at the worker's tail. The inflight list
// holds a non-owning back-reference through the link fields.
type record struct {
	handle  [8]byte
	cmd     uint32
	from    uint64
	length  uint32
	payload []byte

	prev, next *record
}

// inflight is the set of accepted-but-unreplied requests: a doubly linked
// list with a sentinel head, plus the running counter the shutdown path
// drains on. The counter always equals the list length.
type inflight struct {
	mu      sync.Mutex
	idle    sync.Cond
	head    record
	running int
}

func (l *inflight) init() {
	l.head.prev = &l.head
	l.head.next = &l.head
	l.idle.L = &l.mu
}

// insert links r immediately after the sentinel.
func (l *inflight) insert(r *record) {
	l.mu.Lock()
	next := l.head.next
	r.prev = &l.head
	r.next = next
	l.head.next = r
	next.prev = r
	l.running++
	l.mu.Unlock()
}

// remove unlinks r and wakes the drain waiter when the set empties.
func (l *inflight) remove(r *record) {
	l.mu.Lock()
	r.prev.next = r.next
	r.next.prev = r.prev
	r.prev = nil
	r.next = nil
	l.running--
	if l.running == 0 {
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}

// drain blocks until every outstanding request has been removed.
func (l *inflight) drain() {
	l.mu.Lock()
	for l.running > 0 {
		l.idle.Wait()
	}
	l.mu.Unlock()
}

func (l *inflight) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
