// Package vpn provides the VPN connection orchestration engine.
//
// This package decides what to connect to, which protocol and port to use,
// drives the chosen tunnel backend through its lifecycle, and recovers from
// failures by falling back to other servers or protocols:
//
//   - State model: StateKind, State and the closed ErrorType vocabulary
//   - PrepareForConnection: picks connecting domains, entry IPs and ports,
//     optionally probing ports through the ping package
//   - BackendProvider: asks tunnel backends for prepared connections
//   - UnreachableTracker: escalation policy for an unreachable local agent
//   - ErrorHandler: maps account and server events to fallback decisions
//   - Manager: the top-level connect/disconnect/fallback state machine
//   - StateMonitor: broadcast of the unified connection status
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. A caller passes a ConnectIntent to Manager.Connect
//  2. Manager resolves a server through its ServerDirectory
//  3. BackendProvider prepares a protocol, endpoint and port
//  4. Manager ensures a certificate exists when the backend needs one
//  5. The backend connects and reports its own state
//  6. Errors from the backend go through ErrorHandler and UnreachableTracker
//
// # Thread Safety
//
// All exported types are safe for concurrent use. State transitions are
// serialised inside Manager; observers read the StateMonitor without locking.
package vpn
