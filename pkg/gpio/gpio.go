// Package gpio defines the two pin capabilities the front-panel process
// consumes: a power-rail output and a power-button input. Real
// implementations wrap the platform's GPIO character device; the in-memory
// ones here back the unit tests.
package gpio

import "sync"

// OutputPin drives a single digital output, e.g. the radio power rail.
type OutputPin interface {
	// Set drives the pin high (true) or low (false).
	Set(high bool) error
	Close() error
}

// InputPin exposes edge events from a single digital input, e.g. the
// physical power button. Implementations deliver one value per detected
// edge; debouncing is the consumer's job.
type InputPin interface {
	// Edges returns the channel of edge events. true = rising, false =
	// falling. The channel is closed by Close.
	Edges() <-chan bool
	Close() error
}

// ─── In-memory implementations ─────────────────────────────────────────────────

// MemOutput is an in-memory [OutputPin] recording every level written.
type MemOutput struct {
	mu     sync.Mutex
	levels []bool
}

// Set implements [OutputPin].
func (m *MemOutput) Set(high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels = append(m.levels, high)
	return nil
}

// Levels returns a snapshot of all levels written, in order.
func (m *MemOutput) Levels() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.levels))
	copy(out, m.levels)
	return out
}

// Last returns the most recent level, or false if none was written.
func (m *MemOutput) Last() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.levels) == 0 {
		return false
	}
	return m.levels[len(m.levels)-1]
}

// Close implements [OutputPin].
func (m *MemOutput) Close() error { return nil }

// MemInput is an in-memory [InputPin]. Tests inject edges with
// [MemInput.Trigger].
type MemInput struct {
	once sync.Once
	ch   chan bool
}

// NewMemInput creates a MemInput with a small event buffer.
func NewMemInput() *MemInput {
	return &MemInput{ch: make(chan bool, 16)}
}

// Edges implements [InputPin].
func (m *MemInput) Edges() <-chan bool { return m.ch }

// Trigger injects one edge event (true = rising, false = falling).
func (m *MemInput) Trigger(rising bool) {
	m.ch <- rising
}

// Close implements [InputPin].
func (m *MemInput) Close() error {
	m.once.Do(func() { close(m.ch) })
	return nil
}
