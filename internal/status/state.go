// Package status tracks the lifecycle of one push subscription.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ranz98/convo/internal/bus"
)

// State is a subscription lifecycle state.
type State string

const (
	Unsubscribed State = "UNSUBSCRIBED"
	Subscribing  State = "SUBSCRIBING"
	Live         State = "LIVE"
)

// validTransitions defines the allowed lifecycle:
// Unsubscribed → Subscribing → Live → Unsubscribed, with Subscribing
// able to fall straight back to Unsubscribed on a failed open.
var validTransitions = map[State][]State{
	Unsubscribed: {Subscribing},
	Subscribing:  {Live, Unsubscribed},
	Live:         {Unsubscribed},
}

// Machine enforces the subscription lifecycle for one named
// subscription and publishes transitions on the bus.
type Machine struct {
	mu      sync.RWMutex
	name    string
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in Unsubscribed. name identifies the
// subscription in events ("directory", "messages:<conversation>").
func NewMachine(name string, b *bus.Bus) *Machine {
	return &Machine{name: name, current: Unsubscribed, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, or errors if the lifecycle does not
// allow it.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition %s: %s -> %s", m.name, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.KindSyncStatusChanged,
			At:   time.Now(),
			Payload: StatusChange{
				Name: m.name,
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Name string
	From State
	To   State
}
