package busio

// Hooks for tests in package busio_test that need to drive the channel's
// timer directly.

// TimerGen reports the generation of the most recently armed or stopped
// timer.
func (c *Channel) TimerGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tgen
}

// PostExpiry delivers a timer expiry for generation gen, as the timer would.
func (c *Channel) PostExpiry(gen uint64) error {
	return c.post(event{kind: evTimer, gen: gen})
}
