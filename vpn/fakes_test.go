package vpn

import (
	"context"
	"encoding/base64"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/observe"
	"github.com/yllada/vpn-orchestrator/protocol"
)

func testServer(id string, tier int) *Server {
	return &Server{
		ID:      id,
		Name:    id,
		Country: "CH",
		Tier:    tier,
		Score:   1,
		Domains: []ConnectingDomain{{
			ID:              id + "-d1",
			EntryDomain:     id + ".example.net",
			EntryIP:         "10.0.0.1",
			PublicKeyX25519: base64.StdEncoding.EncodeToString([]byte("server-key")),
		}},
	}
}

// fakeBackend is a tunnel backend driven synchronously by the test.
type fakeBackend struct {
	name      string
	kind      protocol.VpnKind
	needsCert bool
	state     *observe.Value[State]

	mu          sync.Mutex
	live        map[string]bool
	scans       []bool
	connects    []ConnectionParams
	reconnects  int
	disconnects int
}

func newFakeBackend(name string, kind protocol.VpnKind, live ...string) *fakeBackend {
	b := &fakeBackend{
		name:  name,
		kind:  kind,
		state: observe.NewValue(StateOf(Disabled)),
		live:  map[string]bool{},
	}
	for _, id := range live {
		b.live[id] = true
	}
	return b
}

func (b *fakeBackend) Name() string              { return b.name }
func (b *fakeBackend) Kind() protocol.VpnKind    { return b.kind }
func (b *fakeBackend) RequiresCertificate() bool { return b.needsCert }
func (b *fakeBackend) State() State              { return b.state.Get() }
func (b *fakeBackend) RetryInfo() *RetryInfo {
	return &RetryInfo{TimeoutSeconds: 30, RetryInSeconds: 5}
}
func (b *fakeBackend) Watch(ctx context.Context) <-chan State {
	return b.state.Watch(ctx)
}

func (b *fakeBackend) PrepareForConnection(ctx context.Context, intent ConnectIntent, server *Server, transmissions []protocol.Transmission, scan, waitForAll bool) []PrepareResult {
	b.mu.Lock()
	b.scans = append(b.scans, scan)
	live := b.live[server.ID]
	b.mu.Unlock()

	if scan && !live {
		return nil
	}
	t := protocol.TransmissionUnset
	if len(transmissions) > 0 {
		t = transmissions[0]
	}
	info := ProtocolInfo{
		Domain:   server.Domains[0],
		Protocol: protocol.Selection{Kind: b.kind, Transmission: t},
		EntryIP:  server.Domains[0].EntryIP,
		Port:     443,
	}
	return []PrepareResult{{Backend: b, Params: NewConnectionParams(intent, server, info)}}
}

func (b *fakeBackend) Connect(ctx context.Context, params ConnectionParams) error {
	b.mu.Lock()
	b.connects = append(b.connects, params)
	b.mu.Unlock()
	b.state.Set(StateOf(Connecting))
	b.state.Set(StateOf(Connected))
	return nil
}

func (b *fakeBackend) Disconnect(ctx context.Context) {
	b.mu.Lock()
	b.disconnects++
	b.mu.Unlock()
	b.state.Set(StateOf(Disabled))
}

func (b *fakeBackend) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	b.reconnects++
	b.mu.Unlock()
	b.state.Set(StateOf(Connecting))
	b.state.Set(StateOf(Connected))
	return nil
}

func (b *fakeBackend) setLive(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[id] = true
}

func (b *fakeBackend) scanFlags() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.scans)
}

func (b *fakeBackend) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connects)
}

func (b *fakeBackend) reconnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

// fakeDirectory resolves intents against a fixed server list.
type fakeDirectory struct {
	mu          sync.Mutex
	servers     []*Server
	maintenance map[string]bool
}

func newFakeDirectory(servers ...*Server) *fakeDirectory {
	return &fakeDirectory{servers: servers, maintenance: map[string]bool{}}
}

func (d *fakeDirectory) Resolve(intent ConnectIntent) (*Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch intent.Kind {
	case IntentServer:
		for _, s := range d.servers {
			if s.ID == intent.ServerID {
				return s, nil
			}
		}
		return nil, common.ErrNoServer
	default:
		if len(d.servers) == 0 {
			return nil, common.ErrNoServer
		}
		return d.servers[0], nil
	}
}

func (d *fakeDirectory) DefaultIntent() ConnectIntent { return FastestIntent() }

func (d *fakeDirectory) FallbackCandidates(intent ConnectIntent, exclude *Server, tier, limit int) []Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Candidate
	for _, s := range d.servers {
		if exclude != nil && s.ID == exclude.ID || s.Tier > tier {
			continue
		}
		out = append(out, Candidate{Intent: ConnectIntent{Kind: IntentServer, ServerID: s.ID}, Server: s})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *fakeDirectory) InMaintenance(serverID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maintenance[serverID]
}

// fakeAccount is a scripted account service.
type fakeAccount struct {
	mu         sync.Mutex
	user       UserData
	refresh    AccountRefresh
	refreshErr error
	sessions   int
	events     chan AccountEvent
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{
		user:   UserData{SessionID: "session-1", Tier: 2},
		events: make(chan AccountEvent),
	}
}

func (a *fakeAccount) UserData() UserData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

func (a *fakeAccount) Events(ctx context.Context) <-chan AccountEvent { return a.events }

func (a *fakeAccount) RefreshAccount(ctx context.Context) (AccountRefresh, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refresh, a.refreshErr
}

func (a *fakeAccount) SessionCount(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions, nil
}

type fakeCerts struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (c *fakeCerts) EnsureCertificate(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type fakeNetwork struct{ up bool }

func (n *fakeNetwork) HasNetwork() bool                        { return n.up }
func (n *fakeNetwork) Changes(ctx context.Context) <-chan bool { return nil }

type memParams struct {
	mu     sync.Mutex
	params *ConnectionParams
}

func (p *memParams) SaveParams(ctx context.Context, params ConnectionParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = &params
	return nil
}

func (p *memParams) LoadParams(ctx context.Context) (ConnectionParams, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.params == nil {
		return ConnectionParams{}, false, nil
	}
	return *p.params, true, nil
}

func (p *memParams) ClearParams(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = nil
	return nil
}

func (p *memParams) saved() *ConnectionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// recorder collects every published status.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func record(t *testing.T, m *Manager) *recorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := &recorder{}
	ch := m.Monitor().Watch(ctx)
	<-ch // initial Disabled
	go func() {
		for s := range ch {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.statuses)
}

func (r *recorder) kinds() []StateKind {
	var out []StateKind
	for _, s := range r.all() {
		out = append(out, s.State.Kind)
	}
	return out
}

// waitFor waits until a status satisfying pred was recorded after the
// first skip statuses, and returns it.
func (r *recorder) waitFor(t *testing.T, skip int, pred func(Status) bool) Status {
	t.Helper()
	var found Status
	require.Eventually(t, func() bool {
		all := r.all()
		for i := skip; i < len(all); i++ {
			if pred(all[i]) {
				found = all[i]
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

func (r *recorder) waitKind(t *testing.T, skip int, kind StateKind) Status {
	t.Helper()
	return r.waitFor(t, skip, func(s Status) bool { return s.State.Kind == kind })
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

// requireInvariant checks that every establishing or connected status has
// a backend and params.
func requireInvariant(t *testing.T, statuses []Status) {
	t.Helper()
	for i, s := range statuses {
		if s.State.IsEstablishingOrConnected() {
			require.NotNil(t, s.Backend, "status %d (%s) without backend", i, s.State)
			require.NotNil(t, s.Params, "status %d (%s) without params", i, s.State)
		}
	}
}
