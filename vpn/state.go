// Package vpn provides the VPN connection orchestration engine.
// This file contains the shared state and error vocabulary.
package vpn

import "fmt"

// StateKind is the coarse connection state.
type StateKind int

const (
	// Disabled indicates no connection and no attempt in progress.
	Disabled StateKind = iota
	// ScanningPorts indicates ports are being probed for a new attempt.
	ScanningPorts
	// CheckingAvailability indicates the orchestrator is switching targets.
	CheckingAvailability
	// WaitingForNetwork indicates the backend is waiting for connectivity.
	WaitingForNetwork
	// Connecting indicates a backend is establishing the tunnel.
	Connecting
	// Reconnecting indicates the active backend is re-establishing the tunnel.
	Reconnecting
	// Connected indicates an established tunnel.
	Connected
	// Disconnecting indicates the active backend is being torn down.
	Disconnecting
	// Error indicates a failure; see State.Error and State.Final.
	Error
)

var stateNames = [...]string{
	Disabled:             "Disabled",
	ScanningPorts:        "ScanningPorts",
	CheckingAvailability: "CheckingAvailability",
	WaitingForNetwork:    "WaitingForNetwork",
	Connecting:           "Connecting",
	Reconnecting:         "Reconnecting",
	Connected:            "Connected",
	Disconnecting:        "Disconnecting",
	Error:                "Error",
}

// String returns a human-readable representation of the state kind.
func (k StateKind) String() string {
	if k >= 0 && int(k) < len(stateNames) {
		return stateNames[k]
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StateKind) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*k = StateKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// ErrorType classifies connection failures.
type ErrorType int

const (
	ErrorNone ErrorType = iota
	AuthFailedInternal
	AuthFailed
	PeerAuthFailed
	LookupFailedInternal
	LookupFailed
	UnreachableInternal
	Unreachable
	MaxSessions
	LocalAgentError
	PolicyViolationDelinquent
	PolicyViolationLowPlan
	PolicyViolationBadBehaviour
	TorrentNotAllowed
	KeyUsedMultipleTimes
	ServerError
	NoProfileFallbackAvailable
	ProtocolNotSupported
	MultiUserPermission
	Generic
)

var errorNames = [...]string{
	ErrorNone:                   "NONE",
	AuthFailedInternal:          "AUTH_FAILED_INTERNAL",
	AuthFailed:                  "AUTH_FAILED",
	PeerAuthFailed:              "PEER_AUTH_FAILED",
	LookupFailedInternal:        "LOOKUP_FAILED_INTERNAL",
	LookupFailed:                "LOOKUP_FAILED",
	UnreachableInternal:         "UNREACHABLE_INTERNAL",
	Unreachable:                 "UNREACHABLE",
	MaxSessions:                 "MAX_SESSIONS",
	LocalAgentError:             "LOCAL_AGENT_ERROR",
	PolicyViolationDelinquent:   "POLICY_VIOLATION_DELINQUENT",
	PolicyViolationLowPlan:      "POLICY_VIOLATION_LOW_PLAN",
	PolicyViolationBadBehaviour: "POLICY_VIOLATION_BAD_BEHAVIOUR",
	TorrentNotAllowed:           "TORRENT_NOT_ALLOWED",
	KeyUsedMultipleTimes:        "KEY_USED_MULTIPLE_TIMES",
	ServerError:                 "SERVER_ERROR",
	NoProfileFallbackAvailable:  "NO_PROFILE_FALLBACK_AVAILABLE",
	ProtocolNotSupported:        "PROTOCOL_NOT_SUPPORTED",
	MultiUserPermission:         "MULTI_USER_PERMISSION",
	Generic:                     "GENERIC_ERROR",
}

// String returns the error type name.
func (e ErrorType) String() string {
	if e >= 0 && int(e) < len(errorNames) {
		return errorNames[e]
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (e ErrorType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *ErrorType) UnmarshalText(b []byte) error {
	for i, name := range errorNames {
		if name == string(b) {
			*e = ErrorType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error type %q", b)
}

// IsInternal reports whether e is a diagnostic variant that must be
// translated before it reaches observers.
func (e ErrorType) IsInternal() bool {
	switch e {
	case AuthFailedInternal, LookupFailedInternal, UnreachableInternal:
		return true
	}
	return false
}

// UserFacing maps internal variants to the type surfaced to observers.
func (e ErrorType) UserFacing() ErrorType {
	switch e {
	case AuthFailedInternal:
		return AuthFailed
	case LookupFailedInternal:
		return LookupFailed
	case UnreachableInternal:
		return Unreachable
	}
	return e
}

// IsRecoverable reports whether the orchestrator remediates e on its own
// before surfacing a failure.
func (e ErrorType) IsRecoverable() bool {
	switch e {
	case AuthFailedInternal, LookupFailedInternal, UnreachableInternal,
		PolicyViolationLowPlan, ServerError:
		return true
	}
	return false
}

// State is the connection state as seen by observers and reported by backends.
type State struct {
	Kind StateKind `json:"kind"`
	// Error is set when Kind is Error.
	Error ErrorType `json:"error,omitempty"`
	// Final marks an error that will not be remediated automatically.
	Final bool `json:"final,omitempty"`
}

// StateOf returns a non-error state.
func StateOf(kind StateKind) State {
	return State{Kind: kind}
}

// ErrorState returns an Error state.
func ErrorState(t ErrorType, final bool) State {
	return State{Kind: Error, Error: t, Final: final}
}

// IsEstablishingOrConnected reports whether a backend owns the connection.
func (s State) IsEstablishingOrConnected() bool {
	switch s.Kind {
	case Connecting, Connected, Reconnecting:
		return true
	}
	return false
}

// String returns a human-readable representation of the state.
func (s State) String() string {
	if s.Kind != Error {
		return s.Kind.String()
	}
	if s.Final {
		return fmt.Sprintf("Error(%s, final)", s.Error)
	}
	return fmt.Sprintf("Error(%s)", s.Error)
}
