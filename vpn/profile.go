// Package vpn provides the VPN connection orchestration engine.
// This file contains the server, intent and connection parameter types.
package vpn

import (
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/yllada/vpn-orchestrator/protocol"
)

// ProtocolEntry overrides the entry IP and ports of a connecting domain for
// one protocol selection.
type ProtocolEntry struct {
	IP    string `json:"ip,omitempty" yaml:"ip,omitempty"`
	Ports []int  `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// ConnectingDomain is a server's published entry point.
type ConnectingDomain struct {
	// ID identifies the domain; it also seeds stable port sampling.
	ID          string `json:"id" yaml:"id"`
	EntryDomain string `json:"entry_domain" yaml:"entry_domain"`
	// EntryIP is used for every protocol without its own entry.
	EntryIP string `json:"entry_ip,omitempty" yaml:"entry_ip,omitempty"`
	// PublicKeyX25519 is the base64 server key used to sign UDP probes.
	PublicKeyX25519 string `json:"public_key_x25519,omitempty" yaml:"public_key_x25519,omitempty"`
	// Entries is keyed by protocol selection, e.g. "wireguard/tcp".
	Entries  map[string]ProtocolEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
	Disabled bool                     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// EntryIPFor returns the entry IP for sel, or "" when none is published.
func (d ConnectingDomain) EntryIPFor(sel protocol.Selection) string {
	if e, ok := d.Entries[sel.String()]; ok && e.IP != "" {
		return e.IP
	}
	return d.EntryIP
}

// PortsFor returns the domain-specific ports for sel, if any.
func (d ConnectingDomain) PortsFor(sel protocol.Selection) []int {
	return d.Entries[sel.String()].Ports
}

// ServerKey decodes PublicKeyX25519. It returns nil when absent or malformed.
func (d ConnectingDomain) ServerKey() []byte {
	if d.PublicKeyX25519 == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(d.PublicKeyX25519)
	if err != nil {
		return nil
	}
	return key
}

// Server is a physical VPN server.
type Server struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Country string  `json:"country" yaml:"country"`
	City    string  `json:"city,omitempty" yaml:"city,omitempty"`
	Gateway string  `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Tier    int     `json:"tier" yaml:"tier"`
	Score   float64 `json:"score" yaml:"score"`
	// Maintenance marks a server that is temporarily out of service.
	Maintenance bool               `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	Domains     []ConnectingDomain `json:"domains" yaml:"domains"`
}

// Online reports whether the server accepts connections at all.
func (s *Server) Online() bool {
	if s.Maintenance {
		return false
	}
	return slices.ContainsFunc(s.Domains, func(d ConnectingDomain) bool { return !d.Disabled })
}

// EligibleDomains returns the enabled domains with an entry IP for sel.
func (s *Server) EligibleDomains(sel protocol.Selection) []ConnectingDomain {
	var out []ConnectingDomain
	for _, d := range s.Domains {
		if !d.Disabled && d.EntryIPFor(sel) != "" {
			out = append(out, d)
		}
	}
	return out
}

// SupportsProtocol reports whether any domain can serve sel. Smart is
// supported when any concrete protocol is.
func (s *Server) SupportsProtocol(sel protocol.Selection) bool {
	if sel.IsSmart() {
		return slices.ContainsFunc(protocol.SmartFallbackOrder, s.SupportsProtocol)
	}
	if sel.Transmission == protocol.TransmissionUnset {
		for _, t := range sel.Transmissions() {
			if len(s.EligibleDomains(protocol.Selection{Kind: sel.Kind, Transmission: t})) > 0 {
				return true
			}
		}
		return len(s.EligibleDomains(sel)) > 0
	}
	return len(s.EligibleDomains(sel)) > 0
}

// IntentKind is the kind of destination a ConnectIntent asks for.
type IntentKind int

const (
	IntentFastest IntentKind = iota
	IntentCountry
	IntentCity
	IntentServer
	IntentGateway
)

// String returns a human-readable representation of the intent kind.
func (k IntentKind) String() string {
	switch k {
	case IntentFastest:
		return "fastest"
	case IntentCountry:
		return "country"
	case IntentCity:
		return "city"
	case IntentServer:
		return "server"
	case IntentGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// ConnectIntent describes what the user wants to connect to.
// It is treated as an immutable value.
type ConnectIntent struct {
	Kind     IntentKind `json:"kind"`
	Country  string     `json:"country,omitempty"`
	City     string     `json:"city,omitempty"`
	ServerID string     `json:"server_id,omitempty"`
	Gateway  string     `json:"gateway,omitempty"`
	// Protocol overrides the configured default protocol when set.
	Protocol *protocol.Selection `json:"protocol,omitempty"`
}

// FastestIntent returns an intent for the fastest available server.
func FastestIntent() ConnectIntent {
	return ConnectIntent{Kind: IntentFastest}
}

// WithProtocol returns a copy of i that requests sel.
func (i ConnectIntent) WithProtocol(sel protocol.Selection) ConnectIntent {
	i.Protocol = &sel
	return i
}

// String returns a short description such as "country CH".
func (i ConnectIntent) String() string {
	switch i.Kind {
	case IntentCountry:
		return "country " + i.Country
	case IntentCity:
		return fmt.Sprintf("city %s/%s", i.Country, i.City)
	case IntentServer:
		return "server " + i.ServerID
	case IntentGateway:
		return "gateway " + i.Gateway
	default:
		return "fastest"
	}
}

// ProtocolInfo is one live (or chosen) endpoint for a protocol.
type ProtocolInfo struct {
	Domain   ConnectingDomain
	Protocol protocol.Selection
	EntryIP  string
	Port     int
}

// ConnectionParams binds an intent to a concrete server, domain, protocol
// and endpoint for one connection attempt. A new attempt always creates
// new params; existing params are never mutated.
type ConnectionParams struct {
	ID       uuid.UUID          `json:"id"`
	Intent   ConnectIntent      `json:"intent"`
	Server   Server             `json:"server"`
	Domain   ConnectingDomain   `json:"domain"`
	Protocol protocol.Selection `json:"protocol"`
	EntryIP  string             `json:"entry_ip"`
	Port     int                `json:"port"`
}

// NewConnectionParams creates params for a prepared endpoint.
func NewConnectionParams(intent ConnectIntent, server *Server, info ProtocolInfo) ConnectionParams {
	return ConnectionParams{
		ID:       uuid.New(),
		Intent:   intent,
		Server:   *server,
		Domain:   info.Domain,
		Protocol: info.Protocol,
		EntryIP:  info.EntryIP,
		Port:     info.Port,
	}
}

// String returns a short description for logs.
func (p ConnectionParams) String() string {
	return fmt.Sprintf("%s %s:%d (%s)", p.Server.Name, p.EntryIP, p.Port, p.Protocol)
}

// RetryInfo is advisory retry timing reported by a backend.
type RetryInfo struct {
	TimeoutSeconds int `json:"timeout_seconds"`
	RetryInSeconds int `json:"retry_in_seconds"`
}

// PrepareResult is a backend ready to connect with the given params.
type PrepareResult struct {
	Backend Backend
	Params  ConnectionParams
}
