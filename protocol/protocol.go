// Package protocol defines the VPN protocol vocabulary shared by the probe,
// orchestration and backend packages: the tunnel kind, the transmission it
// runs over, and the fixed preference order used for fallback.
package protocol

import (
	"fmt"
	"slices"
	"strings"
)

// VpnKind identifies a tunnel engine family.
type VpnKind int

const (
	// Smart lets the orchestrator probe and pick a concrete protocol.
	Smart VpnKind = iota
	WireGuard
	OpenVPN
	IKEv2
)

// String returns the lowercase name of the kind.
func (k VpnKind) String() string {
	switch k {
	case Smart:
		return "smart"
	case WireGuard:
		return "wireguard"
	case OpenVPN:
		return "openvpn"
	case IKEv2:
		return "ikev2"
	default:
		return "unknown"
	}
}

// Transmission is the transport a tunnel runs over.
type Transmission int

const (
	// TransmissionUnset is used where the transport is meaningless, e.g. Smart or IKEv2.
	TransmissionUnset Transmission = iota
	UDP
	TCP
	// TLS is WireGuard wrapped in TLS (stealth).
	TLS
)

// String returns the lowercase name of the transmission.
func (t Transmission) String() string {
	switch t {
	case TransmissionUnset:
		return ""
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// IsTCPBased reports whether probing the transmission needs a stream socket.
func (t Transmission) IsTCPBased() bool {
	return t == TCP || t == TLS
}

// Selection is a (kind, transmission) pair.
type Selection struct {
	Kind         VpnKind      `json:"kind" yaml:"kind"`
	Transmission Transmission `json:"transmission,omitempty" yaml:"transmission,omitempty"`
}

// Common selections.
var (
	SmartSelection = Selection{Kind: Smart}
	WireGuardUDP   = Selection{Kind: WireGuard, Transmission: UDP}
	WireGuardTCP   = Selection{Kind: WireGuard, Transmission: TCP}
	WireGuardTLS   = Selection{Kind: WireGuard, Transmission: TLS}
	OpenVPNUDP     = Selection{Kind: OpenVPN, Transmission: UDP}
	OpenVPNTCP     = Selection{Kind: OpenVPN, Transmission: TCP}
	IKEv2Selection = Selection{Kind: IKEv2}
)

// Preference is the fixed total order over selections.
var Preference = []Selection{
	SmartSelection,
	WireGuardUDP,
	WireGuardTCP,
	WireGuardTLS,
	OpenVPNUDP,
	OpenVPNTCP,
	IKEv2Selection,
}

// SmartFallbackOrder is tried in order when smart selection yields nothing
// or there is no network to scan with.
var SmartFallbackOrder = []Selection{
	WireGuardUDP,
	OpenVPNUDP,
	OpenVPNTCP,
	WireGuardTCP,
	WireGuardTLS,
}

// IsSmart reports whether the selection leaves the choice to the orchestrator.
func (s Selection) IsSmart() bool {
	return s.Kind == Smart
}

// String renders the selection as "kind" or "kind/transmission".
func (s Selection) String() string {
	if s.Transmission == TransmissionUnset {
		return s.Kind.String()
	}
	return s.Kind.String() + "/" + s.Transmission.String()
}

// Transmissions returns the transmissions to probe for the selection. A set
// transmission yields just itself.
func (s Selection) Transmissions() []Transmission {
	if s.Transmission != TransmissionUnset {
		return []Transmission{s.Transmission}
	}
	return TransmissionsFor(s.Kind)
}

// TransmissionsFor lists the transmissions a kind supports.
func TransmissionsFor(kind VpnKind) []Transmission {
	switch kind {
	case WireGuard:
		return []Transmission{UDP, TCP, TLS}
	case OpenVPN:
		return []Transmission{UDP, TCP}
	default:
		return nil
	}
}

// Rank returns the index of s in Preference, or len(Preference) when absent.
func Rank(s Selection) int {
	if i := slices.Index(Preference, s); i >= 0 {
		return i
	}
	return len(Preference)
}

// Compare orders selections by Preference.
func Compare(a, b Selection) int {
	return Rank(a) - Rank(b)
}

// Parse reads "wireguard", "wireguard/tcp", "smart" and friends.
func Parse(s string) (Selection, error) {
	kindName, transName, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "/")

	var sel Selection
	switch kindName {
	case "", "smart":
		sel.Kind = Smart
	case "wireguard", "wg":
		sel.Kind = WireGuard
	case "openvpn":
		sel.Kind = OpenVPN
	case "ikev2":
		sel.Kind = IKEv2
	default:
		return Selection{}, fmt.Errorf("unknown protocol %q", kindName)
	}

	switch transName {
	case "":
	case "udp":
		sel.Transmission = UDP
	case "tcp":
		sel.Transmission = TCP
	case "tls":
		sel.Transmission = TLS
	default:
		return Selection{}, fmt.Errorf("unknown transmission %q", transName)
	}

	if sel.Transmission != TransmissionUnset && !slices.Contains(TransmissionsFor(sel.Kind), sel.Transmission) {
		return Selection{}, fmt.Errorf("%s does not support %s", sel.Kind, sel.Transmission)
	}
	return sel, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Selection) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Selection) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
