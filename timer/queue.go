// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package timer

import (
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
)

// A Queue runs the expiry functions of its timers on a single goroutine, in
// deadline order. A Queue must be closed when it is no longer needed.
type Queue struct {
	stop chan struct{} // closed by Close
	done chan struct{} // closed when the service goroutine exits

	mu   sync.Mutex // protects the fields below
	pq   *heapq.Queue[*entry]
	wake chan struct{}
	seq  uint64
}

type entry struct {
	when time.Time
	seq  uint64 // tie-breaker for equal deadlines
	f    func()
	qt   *queueTimer
	live bool // false once fired or cancelled
}

func compareEntries(a, b *entry) int {
	if c := a.when.Compare(b.when); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// NewQueue starts a new timer queue.
func NewQueue() *Queue {
	q := &Queue{
		stop: make(chan struct{}),
		done: make(chan struct{}),
		pq:   heapq.New(compareEntries),
		wake: make(chan struct{}, 1),
	}
	go func() { defer close(q.done); q.run() }()
	return q
}

// NewTimer returns a new unarmed Timer serviced by q.
func (q *Queue) NewTimer() Timer { return &queueTimer{q: q} }

// Close stops the queue and waits for its goroutine to exit. Timers that have
// not yet expired are discarded without firing. Close is safe to call more
// than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		next, ok := q.nextLocked()
		var wait <-chan time.Time
		var t *time.Timer
		if ok {
			if d := time.Until(next.when); d <= 0 {
				q.pq.Pop()
				next.live = false
				if next.qt.cur == next {
					next.qt.cur = nil
				}
				q.mu.Unlock()
				next.f()
				continue
			}
			t = time.NewTimer(time.Until(next.when))
			wait = t.C
		}
		q.mu.Unlock()

		select {
		case <-q.stop:
			if t != nil {
				t.Stop()
			}
			return
		case <-q.wake:
		case <-wait:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// nextLocked discards cancelled entries from the front of the queue and
// reports the earliest live entry, if any. The caller must hold q.mu.
func (q *Queue) nextLocked() (*entry, bool) {
	for {
		e, ok := q.pq.Peek(0)
		if !ok {
			return nil, false
		} else if e.live {
			return e, true
		}
		q.pq.Pop()
	}
}

type queueTimer struct {
	q   *Queue
	cur *entry // protected by q.mu
}

func (t *queueTimer) Start(d time.Duration, f func()) {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	t.cancelLocked()
	if d < 0 {
		return
	}
	t.q.seq++
	e := &entry{when: time.Now().Add(d), seq: t.q.seq, f: f, qt: t, live: true}
	t.cur = e
	t.q.pq.Add(e)
	t.q.signal()
}

func (t *queueTimer) Stop() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.cancelLocked()
}

func (t *queueTimer) cancelLocked() bool {
	if t.cur == nil || !t.cur.live {
		t.cur = nil
		return false
	}
	t.cur.live = false
	t.cur = nil
	return true
}
