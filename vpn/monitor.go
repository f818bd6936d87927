// Package vpn provides the VPN connection orchestration engine.
// This file contains the StateMonitor, which broadcasts the unified status.
package vpn

import (
	"context"

	"github.com/yllada/vpn-orchestrator/observe"
)

// Status is a consistent snapshot of the connection.
// Whenever State is Connecting, Connected or Reconnecting, Backend and
// Params are set.
type Status struct {
	State   State
	Params  *ConnectionParams
	Backend Backend
	// Retry is advisory timing for non-final errors.
	Retry *RetryInfo
}

// BackendName returns the name of the active backend, or "".
func (s Status) BackendName() string {
	if s.Backend == nil {
		return ""
	}
	return s.Backend.Name()
}

// StateMonitor publishes Status to any number of observers.
type StateMonitor struct {
	status *observe.Value[Status]
}

// NewStateMonitor returns a monitor in the Disabled state.
func NewStateMonitor() *StateMonitor {
	return &StateMonitor{status: observe.NewValue(Status{State: StateOf(Disabled)})}
}

// Status returns the latest status.
func (m *StateMonitor) Status() Status {
	return m.status.Get()
}

// Watch yields the current status and every later one until ctx is done.
func (m *StateMonitor) Watch(ctx context.Context) <-chan Status {
	return m.status.Watch(ctx)
}

// WaitFor blocks until pred holds for a status.
func (m *StateMonitor) WaitFor(ctx context.Context, pred func(Status) bool) (Status, error) {
	return m.status.WaitFor(ctx, pred)
}

// IsConnected reports whether the tunnel is up.
func (m *StateMonitor) IsConnected() bool {
	return m.Status().State.Kind == Connected
}

// IsEstablishingOrConnected reports whether a backend owns the connection.
func (m *StateMonitor) IsEstablishingOrConnected() bool {
	return m.Status().State.IsEstablishingOrConnected()
}

func (m *StateMonitor) set(s Status) {
	m.status.Set(s)
}
