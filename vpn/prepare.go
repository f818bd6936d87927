// Package vpn provides the VPN connection orchestration engine.
// This file contains PrepareForConnection, which picks connecting domains
// and ports for a protocol.
package vpn

import (
	"context"
	"crypto/sha256"
	"math/rand/v2"
	"slices"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/ping"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// AvailabilityChecker probes destinations; *ping.AvailabilityCheck
// satisfies it.
type AvailabilityChecker interface {
	Check(ctx context.Context, dests map[protocol.Transmission]ping.Destination, serverKey []byte, waitForAll bool) map[protocol.Transmission]ping.Destination
}

// PrepareOptions tunes a scan.
type PrepareOptions struct {
	// IncludeTLS probes TLS even though it was not requested explicitly.
	IncludeTLS bool
	// WaitForAll collects every live port instead of the first winner.
	WaitForAll bool
}

// PrepareForConnection chooses domains, entry IPs and ports.
type PrepareForConnection struct {
	Checker AvailabilityChecker
	// Ports are the fallback port lists for domains without their own.
	Ports config.PortsConfig
	// ScanPorts is the maximum number of ports probed per transmission.
	ScanPorts int
	// PrimaryTCPPort is always kept in a TCP-based sample.
	PrimaryTCPPort int
	Log            common.Logger

	// intn picks a random index; overridable in tests.
	intn func(n int) int
}

// NewPrepareForConnection returns a preparer using cfg.
func NewPrepareForConnection(checker AvailabilityChecker, cfg *config.Config) *PrepareForConnection {
	return &PrepareForConnection{
		Checker:        checker,
		Ports:          cfg.Ports,
		ScanPorts:      cfg.Connection.ScanPorts,
		PrimaryTCPPort: cfg.Connection.PrimaryTCPPort,
		Log:            common.ComponentLogger("prepare"),
	}
}

// Prepare returns the endpoints to connect to for kind over transmissions.
//
// Without scan it returns at most one endpoint, chosen at random, for the
// first transmission. With scan every transmission is probed in parallel
// and one ProtocolInfo is returned per live port.
func (p *PrepareForConnection) Prepare(ctx context.Context, server *Server, kind protocol.VpnKind, transmissions []protocol.Transmission, scan bool, opts PrepareOptions) []ProtocolInfo {
	if len(transmissions) == 0 {
		transmissions = []protocol.Transmission{protocol.TransmissionUnset}
	}
	if !scan {
		info, ok := p.pick(server, protocol.Selection{Kind: kind, Transmission: transmissions[0]})
		if !ok {
			return nil
		}
		return []ProtocolInfo{info}
	}
	return p.scan(ctx, server, kind, transmissions, opts)
}

func (p *PrepareForConnection) pick(server *Server, sel protocol.Selection) (ProtocolInfo, bool) {
	domains := server.EligibleDomains(sel)
	if len(domains) == 0 {
		return ProtocolInfo{}, false
	}
	domain := domains[p.randIndex(len(domains))]

	ports := p.portsFor(domain, sel)
	if len(ports) == 0 {
		return ProtocolInfo{}, false
	}
	return ProtocolInfo{
		Domain:   domain,
		Protocol: sel,
		EntryIP:  domain.EntryIPFor(sel),
		Port:     ports[p.randIndex(len(ports))],
	}, true
}

func (p *PrepareForConnection) scan(ctx context.Context, server *Server, kind protocol.VpnKind, transmissions []protocol.Transmission, opts PrepareOptions) []ProtocolInfo {
	dests := make(map[protocol.Transmission]ping.Destination)
	domains := make(map[protocol.Transmission]ConnectingDomain)
	var serverKey []byte

	requestedTLS := len(transmissions) == 1 && transmissions[0] == protocol.TLS
	for _, t := range transmissions {
		if t == protocol.TLS && !opts.IncludeTLS && !requestedTLS {
			continue
		}
		sel := protocol.Selection{Kind: kind, Transmission: t}
		candidates := server.EligibleDomains(sel)
		if len(candidates) == 0 {
			continue
		}
		domain := candidates[p.randIndex(len(candidates))]
		ports := p.portsFor(domain, sel)
		if len(ports) == 0 {
			continue
		}

		primary := 0
		if t.IsTCPBased() {
			primary = p.PrimaryTCPPort
		}
		dests[t] = ping.Destination{
			IP:    domain.EntryIPFor(sel),
			Ports: samplePorts(ports, p.ScanPorts, primary, domain.ID),
		}
		domains[t] = domain
		if t == protocol.UDP || serverKey == nil {
			if key := domain.ServerKey(); key != nil {
				serverKey = key
			}
		}
	}
	if len(dests) == 0 {
		return nil
	}

	live := p.Checker.Check(ctx, dests, serverKey, opts.WaitForAll)

	var out []ProtocolInfo
	for _, t := range transmissions {
		dest, ok := live[t]
		if !ok {
			continue
		}
		sel := protocol.Selection{Kind: kind, Transmission: t}
		for _, port := range dest.Ports {
			out = append(out, ProtocolInfo{
				Domain:   domains[t],
				Protocol: sel,
				EntryIP:  dest.IP,
				Port:     port,
			})
		}
	}
	if len(out) == 0 && p.Log != nil {
		p.Log.Debug("No live ports for %s on %s", kind, server.Name)
	}
	return out
}

func (p *PrepareForConnection) portsFor(domain ConnectingDomain, sel protocol.Selection) []int {
	if ports := domain.PortsFor(sel); len(ports) > 0 {
		return ports
	}
	return p.Ports.PortsFor(sel)
}

func (p *PrepareForConnection) randIndex(n int) int {
	if p.intn != nil {
		return p.intn(n)
	}
	return rand.IntN(n)
}

// samplePorts returns up to n ports. primary, when listed, is always kept
// and comes first; the rest are picked by a shuffle seeded from seed so the
// same domain always probes the same ports.
func samplePorts(ports []int, n, primary int, seed string) []int {
	if n <= 0 || len(ports) <= n {
		return slices.Clone(ports)
	}

	sample := make([]int, 0, n)
	rest := make([]int, 0, len(ports))
	for _, port := range ports {
		if primary != 0 && port == primary && len(sample) == 0 {
			sample = append(sample, port)
			continue
		}
		rest = append(rest, port)
	}

	rng := rand.New(rand.NewChaCha8(sha256.Sum256([]byte(seed))))
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	return append(sample, rest[:n-len(sample)]...)
}
