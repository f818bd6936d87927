// Package platform connects the orchestrator to the host.
//
// The network monitor follows NetworkManager's connectivity state and the
// sleep inhibitor takes logind delay locks, both over the D-Bus system bus.
// TunnelPermission decides whether this process may create tunnels.
package platform
