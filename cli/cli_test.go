package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/vpn-orchestrator/catalog"
	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/observe"
	"github.com/yllada/vpn-orchestrator/vpn"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	status  *observe.Value[vpn.Status]
	outcome vpn.State
	intents []vpn.ConnectIntent
}

func (f *fakeOrchestrator) Connect(intent vpn.ConnectIntent) error {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	f.mu.Unlock()
	f.status.Set(vpn.Status{State: vpn.State{Kind: vpn.Connecting}})
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.status.Set(vpn.Status{State: f.outcome, Params: &vpn.ConnectionParams{
			Server:  vpn.Server{Name: "CH#1", Country: "CH"},
			EntryIP: "10.0.0.1",
			Port:    443,
		}})
	}()
	return nil
}

func (f *fakeOrchestrator) Disconnect(ctx context.Context) { f.status.Set(vpn.Status{}) }

func (f *fakeOrchestrator) ReconnectWithCurrentParams(ctx context.Context) error { return nil }

func (f *fakeOrchestrator) Status() vpn.Status { return f.status.Get() }

func (f *fakeOrchestrator) WatchStatus(ctx context.Context) <-chan vpn.Status {
	return f.status.Watch(ctx)
}

func newTestCLI(t *testing.T, outcome vpn.State) (*CLI, *fakeOrchestrator, *bytes.Buffer) {
	t.Helper()
	orch := &fakeOrchestrator{status: observe.NewValue(vpn.Status{}), outcome: outcome}
	srv := control.NewServer(orch)
	srv.Log = common.NopLogger{}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	cat := catalog.New([]*vpn.Server{
		{ID: "ch-1", Name: "CH#1", Country: "CH", City: "Zurich", Score: 1, Domains: []vpn.ConnectingDomain{{ID: "d1"}}},
		{ID: "de-1", Name: "DE#1", Country: "DE", Score: 2, Maintenance: true},
	}, func() int { return 2 })

	c := New(control.NewClient(ts.URL), cat)
	var out bytes.Buffer
	c.out = &out
	c.ConnectTimeout = 5 * time.Second
	return c, orch, &out
}

func TestCLI_ListServers(t *testing.T) {
	c, _, out := newTestCLI(t, vpn.State{Kind: vpn.Connected})

	if err := c.ListServers("ch"); err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if !strings.Contains(out.String(), "CH#1") || strings.Contains(out.String(), "DE#1") {
		t.Errorf("unexpected listing:\n%s", out.String())
	}

	out.Reset()
	if err := c.ListServers(""); err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if !strings.Contains(out.String(), "Offline") {
		t.Errorf("maintenance server not shown offline:\n%s", out.String())
	}
}

func TestCLI_Connect(t *testing.T) {
	c, orch, out := newTestCLI(t, vpn.State{Kind: vpn.Connected})

	if err := c.Connect(context.Background(), ParseTarget("CH/Zurich", "wireguard")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.intents) != 1 || orch.intents[0].Kind != vpn.IntentCity {
		t.Errorf("intents = %+v", orch.intents)
	}
	if !strings.Contains(out.String(), "Connected to CH#1") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestCLI_ConnectFinalError(t *testing.T) {
	c, _, _ := newTestCLI(t, vpn.ErrorState(vpn.MaxSessions, true))

	err := c.Connect(context.Background(), ParseTarget("fastest", ""))
	if err == nil || !strings.Contains(err.Error(), "MAX_SESSIONS") {
		t.Errorf("Connect error = %v", err)
	}
}

func TestCLI_StatusAndDisconnect(t *testing.T) {
	c, _, out := newTestCLI(t, vpn.State{Kind: vpn.Connected})
	ctx := context.Background()

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(out.String(), "Disabled") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestCLI_WatchToPipe(t *testing.T) {
	c, orch, out := newTestCLI(t, vpn.State{Kind: vpn.Connected})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	orch.status.Set(vpn.Status{State: vpn.State{Kind: vpn.Connecting}})
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
	if !strings.Contains(out.String(), "Connecting") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target string
		want   control.ConnectRequest
	}{
		{"", control.ConnectRequest{}},
		{"fastest", control.ConnectRequest{}},
		{"ch", control.ConnectRequest{Country: "CH"}},
		{"ch/Zurich", control.ConnectRequest{Country: "CH", City: "Zurich"}},
		{"server:ch-1", control.ConnectRequest{Server: "ch-1"}},
		{"gateway:acme", control.ConnectRequest{Gateway: "acme"}},
	}
	for _, tt := range tests {
		if got := ParseTarget(tt.target, ""); got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.target, got, tt.want)
		}
	}
}
