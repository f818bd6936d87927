// Package vpn provides the VPN connection orchestration engine.
// This file contains the Backend abstraction and the BackendProvider.
package vpn

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// Backend is a uniform interface over an external tunnel engine. Concrete
// backends translate the engine's own state vocabulary into State.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Kind is the protocol family the backend serves.
	Kind() protocol.VpnKind
	// RequiresCertificate reports whether Connect needs a client certificate.
	RequiresCertificate() bool

	// PrepareForConnection returns the endpoints this backend can use on
	// server, best first.
	PrepareForConnection(ctx context.Context, intent ConnectIntent, server *Server, transmissions []protocol.Transmission, scan, waitForAll bool) []PrepareResult

	// Connect starts the tunnel. Progress is reported through Watch.
	Connect(ctx context.Context, params ConnectionParams) error
	// Disconnect stops the tunnel and returns once the engine confirmed it
	// or a safety timeout forced the state to Disabled.
	Disconnect(ctx context.Context)
	// Reconnect re-establishes the tunnel with the current params.
	Reconnect(ctx context.Context) error

	// State returns the backend's own state.
	State() State
	// Watch yields the current state and every later one.
	Watch(ctx context.Context) <-chan State
	// RetryInfo returns advisory retry timing, or nil.
	RetryInfo() *RetryInfo
}

// NetworkObserver is implemented by backends that react to network changes.
type NetworkObserver interface {
	NetworkChanged()
}

// BackendProvider owns the available backends.
type BackendProvider struct {
	Backends []Backend
	Log      common.Logger
}

// NewBackendProvider returns a provider over backends.
func NewBackendProvider(backends ...Backend) *BackendProvider {
	return &BackendProvider{
		Backends: backends,
		Log:      common.ComponentLogger("backends"),
	}
}

// ForKind returns the backend serving kind, or nil.
func (p *BackendProvider) ForKind(kind protocol.VpnKind) Backend {
	for _, b := range p.Backends {
		if b.Kind() == kind {
			return b
		}
	}
	return nil
}

// PrepareConnection asks the backend for sel's protocol, or every backend
// when sel is smart, and returns the best prepared result or nil.
func (p *BackendProvider) PrepareConnection(ctx context.Context, sel protocol.Selection, intent ConnectIntent, server *Server, scan bool) *PrepareResult {
	results := p.prepareAll(ctx, sel, intent, server, scan, false)
	if len(results) == 0 {
		return nil
	}
	return &results[0]
}

// prepareAll gathers results from the candidate backends in parallel and
// orders them by protocol preference.
func (p *BackendProvider) prepareAll(ctx context.Context, sel protocol.Selection, intent ConnectIntent, server *Server, scan, waitForAll bool) []PrepareResult {
	var candidates []Backend
	if sel.IsSmart() {
		candidates = p.Backends
	} else if b := p.ForKind(sel.Kind); b != nil {
		candidates = []Backend{b}
	}
	if len(candidates) == 0 {
		p.logger().Warn("No backend for %s", sel)
		return nil
	}

	var (
		mu      sync.Mutex
		results []PrepareResult
		g       errgroup.Group
	)
	for _, b := range candidates {
		transmissions := sel.Transmissions()
		if sel.IsSmart() {
			transmissions = protocol.TransmissionsFor(b.Kind())
		}
		g.Go(func() error {
			r := b.PrepareForConnection(ctx, intent, server, transmissions, scan, waitForAll)
			mu.Lock()
			results = append(results, r...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(results, func(a, b PrepareResult) int {
		return protocol.Compare(a.Params.Protocol, b.Params.Protocol)
	})
	return results
}

// Candidate is a server to try during a fallback.
type Candidate struct {
	Intent ConnectIntent
	Server *Server
}

// PingResult is the outcome of PingAll.
type PingResult struct {
	Candidate Candidate
	Results   []PrepareResult
}

// PingAll prepares every candidate in parallel and returns the first
// candidate, in list order, with any live endpoint. Response time does not
// affect the choice.
func (p *BackendProvider) PingAll(ctx context.Context, sel protocol.Selection, candidates []Candidate, waitForAll bool) *PingResult {
	if len(candidates) == 0 {
		return nil
	}

	results := make([][]PrepareResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = p.prepareAll(gctx, sel, c.Intent, c.Server, true, waitForAll)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if len(r) > 0 {
			return &PingResult{Candidate: candidates[i], Results: r}
		}
	}
	return nil
}

func (p *BackendProvider) logger() common.Logger {
	if p.Log == nil {
		return common.NopLogger{}
	}
	return p.Log
}
