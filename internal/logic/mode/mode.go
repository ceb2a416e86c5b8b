package mode

import (
	"fmt"
	"sync"
)

// Mode is the viewer-facing state of the server.
type Mode string

const (
	Live      Mode = "live"
	Capturing Mode = "capturing"
	Captured  Mode = "captured"
)

// Listener observes transitions.
type Listener func(from, to Mode)

// Machine guards the mode transitions. Begin, Complete and Fail bracket a
// capture; Reset returns to live from anywhere.
type Machine struct {
	mu        sync.Mutex
	current   Mode
	listeners []Listener
}

func NewMachine() *Machine {
	return &Machine{current: Live}
}

// Current returns the present mode.
func (m *Machine) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnTransition registers a listener invoked after every state change.
// Register before the machine is in use; listeners run outside the lock.
func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Begin moves Live -> Capturing.
func (m *Machine) Begin() error {
	return m.transition(Live, Capturing)
}

// Complete moves Capturing -> Captured.
func (m *Machine) Complete() error {
	return m.transition(Capturing, Captured)
}

// Fail moves Capturing -> Live.
func (m *Machine) Fail() error {
	return m.transition(Capturing, Live)
}

// Reset forces Live from any state.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.current
	m.current = Live
	listeners := m.listeners
	m.mu.Unlock()

	if from == Live {
		return
	}
	for _, l := range listeners {
		l(from, Live)
	}
}

func (m *Machine) transition(from, to Mode) error {
	m.mu.Lock()
	if m.current != from {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("cannot move %s -> %s while %s", from, to, cur)
	}
	m.current = to
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
	return nil
}
