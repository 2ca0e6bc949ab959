// Package shutdown implements the two-phase stop signal observed by every
// long-running loop. The first Broadcast moves the process to Draining, the
// second to Halted. Loops select on the phase channels instead of counting
// signal observations, so a loop that was busy during a broadcast still sees
// every phase it missed.
package shutdown

import "sync"

// Phase is the lifecycle stage of the process.
type Phase int

const (
	Running Phase = iota
	Draining
	Halted
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// Signal is the read side of a Coordinator, handed to the loops it stops.
type Signal interface {
	Draining() <-chan struct{}
	Halted() <-chan struct{}
	Phase() Phase
}

// Coordinator broadcasts phase changes. The zero value is not usable; call New.
type Coordinator struct {
	mu       sync.Mutex
	phase    Phase
	draining chan struct{}
	halted   chan struct{}
}

// New returns a Coordinator in the Running phase.
func New() *Coordinator {
	return &Coordinator{
		draining: make(chan struct{}),
		halted:   make(chan struct{}),
	}
}

// Broadcast advances to the next phase and returns it. Broadcasting while
// Halted has no effect.
func (c *Coordinator) Broadcast() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case Running:
		c.phase = Draining
		close(c.draining)
	case Draining:
		c.phase = Halted
		close(c.halted)
	}
	return c.phase
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Draining is closed once the first broadcast has happened.
func (c *Coordinator) Draining() <-chan struct{} { return c.draining }

// Halted is closed once the second broadcast has happened.
func (c *Coordinator) Halted() <-chan struct{} { return c.halted }
