package keys

// PinCache holds hardware token PINs for the duration of one pin-managed
// session, keyed by token serial number. It is process-local and never
// persisted; Clear actively zeroes every PIN before dropping it so that
// secrets do not outlive the session.
type PinCache struct {
	pins map[string][]byte
}

// NewPinCache returns an empty cache.
func NewPinCache() *PinCache {
	return &PinCache{pins: map[string][]byte{}}
}

// Set stores the PIN for a token serial.
func (c *PinCache) Set(serial, pin string) {
	c.pins[serial] = []byte(pin)
}

// Get returns the cached PIN for a serial, if present.
func (c *PinCache) Get(serial string) (string, bool) {
	pin, ok := c.pins[serial]
	if !ok {
		return "", false
	}
	return string(pin), true
}

// Clear zeroes and drops every cached PIN.
func (c *PinCache) Clear() {
	for serial, pin := range c.pins {
		for i := range pin {
			pin[i] = 0
		}
		delete(c.pins, serial)
	}
}

// WithPinCache runs fn with a fresh cache and guarantees zeroisation on
// every exit path, panics included.
func WithPinCache(fn func(*PinCache) error) error {
	cache := NewPinCache()
	defer cache.Clear()
	return fn(cache)
}
