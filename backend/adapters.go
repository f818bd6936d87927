package backend

import (
	"github.com/yllada/vpn-orchestrator/protocol"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// WireGuard is the WireGuard backend. It uses the session's X25519 key and
// needs no certificate.
type WireGuard struct {
	Base
}

// NewWireGuard returns a WireGuard backend running engine.
func NewWireGuard(engine Engine, prepare *vpn.PrepareForConnection, tracker *vpn.UnreachableTracker, keys KeySource) *WireGuard {
	b := &WireGuard{}
	b.Base = newBase(b, "WireGuard", protocol.WireGuard, engine, prepare, tracker)
	b.Keys = keys
	return b
}

// OpenVPN is the OpenVPN backend. The tunnel authenticates with the
// session certificate.
type OpenVPN struct {
	Base
}

// NewOpenVPN returns an OpenVPN backend running engine.
func NewOpenVPN(engine Engine, prepare *vpn.PrepareForConnection, tracker *vpn.UnreachableTracker, keys KeySource) *OpenVPN {
	b := &OpenVPN{}
	b.Base = newBase(b, "OpenVPN", protocol.OpenVPN, engine, prepare, tracker)
	b.requiresCert = true
	b.Keys = keys
	return b
}

// IKEv2 is the IKEv2 backend. Its endpoints are never probed, so
// preparation always picks a random endpoint.
type IKEv2 struct {
	Base
}

// NewIKEv2 returns an IKEv2 backend running engine.
func NewIKEv2(engine Engine, prepare *vpn.PrepareForConnection, tracker *vpn.UnreachableTracker) *IKEv2 {
	b := &IKEv2{}
	b.Base = newBase(b, "IKEv2", protocol.IKEv2, engine, prepare, tracker)
	b.scanning = false
	return b
}
