// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package timer provides a single-shot, cancellable delay used by busio
// channels for reply, read, and event timeouts and for async read polling.
//
// Two implementations are provided. New returns a timer backed by the Go
// runtime's timers, one per channel. A Queue services any number of timers
// from a single goroutine ordered by deadline, which keeps expiry callbacks
// for many channels serialized on one context.
package timer

import (
	"sync"
	"time"
)

// A Timer is a single-shot cancellable delay.
//
// Start arms the timer to call f once after d has elapsed, replacing any
// pending expiry. A negative d disarms the timer and never fires. Stop
// disarms the timer and reports whether an expiry was pending; after Stop
// returns true, the cancelled f will not be called.
//
// Expiry functions run on a context owned by the implementation and must not
// block for long.
type Timer interface {
	Start(d time.Duration, f func())
	Stop() bool
}

// New returns a Timer backed by a runtime timer.
func New() Timer { return new(runtimeTimer) }

type runtimeTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (r *runtimeTimer) Start(d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	if d < 0 {
		return
	}
	r.t = time.AfterFunc(d, f)
}

func (r *runtimeTimer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *runtimeTimer) stopLocked() bool {
	if r.t == nil {
		return false
	}
	ok := r.t.Stop()
	r.t = nil
	return ok
}
