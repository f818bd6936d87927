// Package backend implements vpn.Backend on top of external tunnel engines.
//
// A Base carries everything the backends share: the self-reported state,
// the disconnect wait, endpoint preparation and the reaction to an
// unreachable local agent. The WireGuard, OpenVPN and IKEv2 adapters only
// pick the protocol family and the engine. Engines run the actual tunnel
// program and translate its output into Events.
package backend

import (
	"context"

	"github.com/yllada/vpn-orchestrator/cert"
	"github.com/yllada/vpn-orchestrator/protocol"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// EventKind is what an engine reports about its tunnel.
type EventKind int

const (
	// EventConnecting means the engine is establishing the tunnel.
	EventConnecting EventKind = iota
	// EventConnected means traffic flows through the tunnel.
	EventConnected
	// EventReachable means the server answered after an earlier outage.
	EventReachable
	// EventUnreachable means the engine lost its server.
	EventUnreachable
	// EventError carries an engine or server error.
	EventError
	// EventDisconnected means the tunnel is down.
	EventDisconnected
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "Connecting"
	case EventConnected:
		return "Connected"
	case EventReachable:
		return "Reachable"
	case EventUnreachable:
		return "Unreachable"
	case EventError:
		return "Error"
	case EventDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Event is one engine report.
type Event struct {
	Kind EventKind
	// Error is set for EventError.
	Error vpn.ErrorType
	// Retry is optional advisory retry timing for EventError.
	Retry  *vpn.RetryInfo
	Detail string
}

// Tunnel is everything an engine needs to bring a tunnel up.
type Tunnel struct {
	Params vpn.ConnectionParams
	// Key is the session key material; nil for engines that need none.
	Key *cert.Info
}

// Engine runs one tunnel at a time.
type Engine interface {
	// Supports reports whether the engine can carry t.
	Supports(t protocol.Transmission) bool
	// Start brings the tunnel up. The returned channel is closed once the
	// engine has stopped, either after Stop or on its own.
	Start(ctx context.Context, t Tunnel) (<-chan Event, error)
	// Stop tears the tunnel down and waits for the engine to exit.
	Stop(ctx context.Context) error
}

// KeySource returns the key material of the active session.
type KeySource func(ctx context.Context) (*cert.Info, error)
