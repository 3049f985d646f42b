// Package metrics defines a concurrently-accessible metrics collector for
// bus ports.
//
// A *metrics.M tracks integer counters and high-water marks by name. An *M
// satisfies expvar.Var, so it can be published directly or added to an
// expvar.Map.
package metrics

import (
	"encoding/json"
	"sync"
)

// An M collects counters and maximum value trackers. A nil *M is valid, and
// discards all metrics. The methods of an *M are safe for concurrent use by
// multiple goroutines.
type M struct {
	mu      sync.Mutex
	counter map[string]int64
	maxVal  map[string]int64
}

// New creates a new, empty metrics collector.
func New() *M {
	return &M{counter: make(map[string]int64), maxVal: make(map[string]int64)}
}

// Count adds n to the counter named, defining the counter if it does not
// already exist. A negative n may be used to track a gauge.
func (m *M) Count(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.counter[name] += n
	}
}

// SetMax sets the high-water mark named to the greater of n and its current
// value.
func (m *M) SetMax(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.setMaxLocked(name, n)
	}
}

// CountAndSetMax adds n to the counter named, and updates the high-water
// mark of the same name to the new value of the counter.
func (m *M) CountAndSetMax(name string, n int64) {
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.counter[name] += n
		m.setMaxLocked(name, m.counter[name])
	}
}

func (m *M) setMaxLocked(name string, n int64) {
	if n > m.maxVal[name] {
		m.maxVal[name] = n
	}
}

// A Snapshot is a copy of the values in an M at one moment.
type Snapshot struct {
	Counters map[string]int64 `json:"counters"`
	Max      map[string]int64 `json:"max"`
}

// Snapshot returns an atomic copy of the counters and high-water marks.
func (m *M) Snapshot() Snapshot {
	s := Snapshot{Counters: make(map[string]int64), Max: make(map[string]int64)}
	if m != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		for name, val := range m.counter {
			s.Counters[name] = val
		}
		for name, val := range m.maxVal {
			s.Max[name] = val
		}
	}
	return s
}

// String renders a snapshot of m as JSON. It implements expvar.Var.
func (m *M) String() string {
	bits, err := json.Marshal(m.Snapshot())
	if err != nil {
		return "{}"
	}
	return string(bits)
}
