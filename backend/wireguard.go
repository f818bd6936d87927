package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// Tunnel addressing inside the WireGuard network.
const (
	wireGuardAddress = "10.2.0.2/32"
	wireGuardDNS     = "10.2.0.1"
)

// WireGuardQuick brings tunnels up with wg-quick and watches peer
// handshakes with wg to tell whether the server is reachable.
type WireGuardQuick struct {
	WGQuick    string
	WG         string
	Interface  string
	RuntimeDir string
	Elevate    string
	// HandshakeTimeout is how old the last handshake may be before the
	// server counts as unreachable.
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	Log              common.Logger

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
	now func() time.Time

	mu         sync.Mutex
	configPath string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWireGuardQuick returns an engine configured from cfg.
func NewWireGuardQuick(cfg config.EnginesConfig) *WireGuardQuick {
	w := &WireGuardQuick{
		WGQuick:          cfg.WGQuick,
		WG:               cfg.WG,
		Interface:        cfg.WireGuardInterface,
		RuntimeDir:       cfg.RuntimeDir,
		Elevate:          cfg.Elevate,
		HandshakeTimeout: 3 * time.Minute,
		PollInterval:     5 * time.Second,
		Log:              common.ComponentLogger("wireguard"),
		now:              time.Now,
	}
	w.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return runCommand(ctx, w.Elevate, name, args...)
	}
	return w
}

// Supports implements Engine. wg-quick carries plain UDP only.
func (w *WireGuardQuick) Supports(t protocol.Transmission) bool {
	return t == protocol.UDP
}

// Start implements Engine.
func (w *WireGuardQuick) Start(ctx context.Context, t Tunnel) (<-chan Event, error) {
	if t.Key == nil {
		return nil, common.ErrCertificateUnavailable
	}
	if t.Params.Domain.PublicKeyX25519 == "" {
		return nil, fmt.Errorf("server %s publishes no WireGuard key", t.Params.Server.Name)
	}

	// wg-quick derives the interface name from the file name.
	path, err := writeRuntimeFile(w.RuntimeDir, w.Interface+".conf", renderWireGuard(t))
	if err != nil {
		return nil, err
	}

	w.Log.Info("Starting WireGuard to %s:%d", t.Params.EntryIP, t.Params.Port)
	if _, err := w.run(ctx, w.WGQuick, "up", path); err != nil {
		os.Remove(path)
		return nil, err
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 4)
	done := make(chan struct{})
	w.mu.Lock()
	w.configPath = path
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer close(events)
		w.monitor(monitorCtx, events)
	}()
	return events, nil
}

// Stop implements Engine.
func (w *WireGuardQuick) Stop(ctx context.Context) error {
	w.mu.Lock()
	path, cancel, done := w.configPath, w.cancel, w.done
	w.configPath, w.cancel, w.done = "", nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	defer os.Remove(path)
	if _, err := w.run(ctx, w.WGQuick, "down", path); err != nil {
		return err
	}
	return nil
}

// monitor polls the peer handshake and reports reachability changes.
func (w *WireGuardQuick) monitor(ctx context.Context, events chan<- Event) {
	events <- Event{Kind: EventConnecting}

	started := w.now()
	connected, unreachable := false, false
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		out, err := w.run(ctx, w.WG, "show", w.Interface, "latest-handshakes")
		if err != nil {
			if ctx.Err() == nil {
				w.Log.Warn("Cannot read handshakes: %v", err)
			}
			continue
		}

		now := w.now()
		last, ok := latestHandshake(out)
		fresh := ok && now.Sub(last) < w.HandshakeTimeout
		switch {
		case fresh && !connected:
			connected, unreachable = true, false
			events <- Event{Kind: EventConnected}
		case fresh && unreachable:
			unreachable = false
			events <- Event{Kind: EventReachable}
		case !fresh && !unreachable && (connected || now.Sub(started) >= w.HandshakeTimeout):
			unreachable = true
			events <- Event{Kind: EventUnreachable, Detail: "no recent handshake"}
		}
	}
}

// latestHandshake parses `wg show <iface> latest-handshakes` output, one
// "<peer key>\t<unix seconds>" line per peer. Zero means never.
func latestHandshake(out []byte) (time.Time, bool) {
	var latest int64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err == nil && ts > latest {
			latest = ts
		}
	}
	if latest == 0 {
		return time.Time{}, false
	}
	return time.Unix(latest, 0), true
}

func renderWireGuard(t Tunnel) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", base64.StdEncoding.EncodeToString(t.Key.X25519Key))
	fmt.Fprintf(&b, "Address = %s\n", wireGuardAddress)
	fmt.Fprintf(&b, "DNS = %s\n", wireGuardDNS)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", t.Params.Domain.PublicKeyX25519)
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s\n", net.JoinHostPort(t.Params.EntryIP, strconv.Itoa(t.Params.Port)))
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}
