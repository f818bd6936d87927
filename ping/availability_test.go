package ping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/protocol"
)

// fakeProber answers for the configured ports after the configured delay.
type fakeProber struct {
	mu      sync.Mutex
	live    map[int]time.Duration
	calls   []int
	payload map[int][]byte
}

func (f *fakeProber) Ping(ctx context.Context, ip string, port int, data []byte, tcp bool, timeout time.Duration) bool {
	f.mu.Lock()
	f.calls = append(f.calls, port)
	if f.payload == nil {
		f.payload = map[int][]byte{}
	}
	f.payload[port] = data
	delay, ok := f.live[port]
	f.mu.Unlock()

	if !ok {
		delay = timeout
	}
	select {
	case <-time.After(delay):
		return ok
	case <-ctx.Done():
		return false
	}
}

func (f *fakeProber) sent(port int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload[port]
}

func (f *fakeProber) probed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func newCheck(p Prober) *AvailabilityCheck {
	return &AvailabilityCheck{
		Prober:       p,
		PriorityWait: 50 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
	}
}

func TestCheck_OnlyLivePortReturned(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{51821: 10 * time.Millisecond}}
	c := newCheck(prober)

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.UDP: {IP: "10.0.0.1", Ports: []int{51820, 51821}},
	}, []byte("key"), false)

	require.Equal(t, map[protocol.Transmission]Destination{
		protocol.UDP: {IP: "10.0.0.1", Ports: []int{51821}},
	}, got)
	require.Len(t, prober.sent(51821), ProbeLength)
}

func TestCheck_PriorityWaitPrefersEarlierPort(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{
		443:  20 * time.Millisecond,
		8443: 1 * time.Millisecond,
	}}
	c := newCheck(prober)
	c.PriorityWait = 150 * time.Millisecond

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.TCP: {IP: "10.0.0.1", Ports: []int{443, 8443}},
	}, nil, false)

	require.Equal(t, []int{443}, got[protocol.TCP].Ports)
}

func TestCheck_LaterPortWinsAfterWindow(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{8443: 1 * time.Millisecond}}
	c := newCheck(prober)

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.TCP: {IP: "10.0.0.1", Ports: []int{443, 8443}},
	}, nil, false)

	require.Equal(t, []int{8443}, got[protocol.TCP].Ports)
}

func TestCheck_WaitForAllCollectsInOrder(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{
		80:   30 * time.Millisecond,
		1194: 1 * time.Millisecond,
	}}
	c := newCheck(prober)

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.UDP: {IP: "10.0.0.2", Ports: []int{80, 4569, 1194}},
	}, []byte("key"), true)

	require.Equal(t, []int{80, 1194}, got[protocol.UDP].Ports)
}

func TestCheck_UDPWithoutKeyFailsOnlyUDP(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{443: time.Millisecond, 51820: time.Millisecond}}
	c := newCheck(prober)

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.UDP: {IP: "10.0.0.1", Ports: []int{51820}},
		protocol.TCP: {IP: "10.0.0.1", Ports: []int{443}},
	}, nil, false)

	require.NotContains(t, got, protocol.UDP)
	require.Equal(t, []int{443}, got[protocol.TCP].Ports)
	require.NotContains(t, prober.probed(), 51820)
}

func TestCheck_TLSReusesIdenticalTCPResult(t *testing.T) {
	prober := &fakeProber{live: map[int]time.Duration{443: time.Millisecond}}
	c := newCheck(prober)

	dest := Destination{IP: "10.0.0.1", Ports: []int{443}}
	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.TCP: dest,
		protocol.TLS: dest,
	}, nil, false)

	require.Equal(t, dest, got[protocol.TCP])
	require.Equal(t, dest, got[protocol.TLS])
	require.Equal(t, []int{443}, prober.probed())
}

func TestCheck_NothingAnswers(t *testing.T) {
	c := newCheck(&fakeProber{})
	c.Timeout = 20 * time.Millisecond

	got := c.Check(context.Background(), map[protocol.Transmission]Destination{
		protocol.TCP: {IP: "10.0.0.1", Ports: []int{443, 7770}},
	}, nil, false)
	require.Empty(t, got)
}
