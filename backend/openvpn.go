package backend

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/protocol"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// OpenVPNProcess runs the openvpn binary and follows its log output.
type OpenVPNProcess struct {
	Binary     string
	CAFile     string
	RuntimeDir string
	Elevate    string
	// Mark is set on the openvpn socket so it bypasses the tunnel.
	Mark int
	Log  common.Logger

	command func(ctx context.Context, configPath string) *exec.Cmd

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewOpenVPNProcess returns an engine configured from cfg.
func NewOpenVPNProcess(cfg config.EnginesConfig, mark int) *OpenVPNProcess {
	p := &OpenVPNProcess{
		Binary:     cfg.OpenVPN,
		CAFile:     cfg.OpenVPNCA,
		RuntimeDir: cfg.RuntimeDir,
		Elevate:    cfg.Elevate,
		Mark:       mark,
		Log:        common.ComponentLogger("openvpn"),
	}
	p.command = func(ctx context.Context, path string) *exec.Cmd {
		return command(ctx, p.Elevate, p.Binary, "--config", path)
	}
	return p
}

// Supports implements Engine.
func (p *OpenVPNProcess) Supports(t protocol.Transmission) bool {
	return t == protocol.UDP || t == protocol.TCP
}

// Start implements Engine.
func (p *OpenVPNProcess) Start(ctx context.Context, t Tunnel) (<-chan Event, error) {
	if !t.Key.HasCertificate() {
		return nil, common.ErrCertificateUnavailable
	}
	conf, err := p.render(t)
	if err != nil {
		return nil, err
	}
	path, err := writeRuntimeFile(p.RuntimeDir, fmt.Sprintf("openvpn-%d.conf", time.Now().UnixNano()), conf)
	if err != nil {
		return nil, err
	}

	cmd := p.command(ctx, path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	p.Log.Info("Starting OpenVPN to %s:%d (%s)", t.Params.EntryIP, t.Params.Port, t.Params.Protocol)
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to start openvpn: %w", err)
	}
	p.Log.Debug("OpenVPN process started with PID %d", cmd.Process.Pid)

	events := make(chan Event, 16)
	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer close(events)

		var wg sync.WaitGroup
		wg.Add(2)
		go p.monitorOutput(&wg, stdout, events)
		go p.monitorOutput(&wg, stderr, events)
		wg.Wait()

		if err := cmd.Wait(); err != nil {
			p.Log.Warn("OpenVPN terminated with error: %v", err)
		} else {
			p.Log.Info("OpenVPN terminated normally")
		}
		os.Remove(path)

		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
			p.done = nil
		}
		p.mu.Unlock()
	}()
	return events, nil
}

// Stop implements Engine.
func (p *OpenVPNProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.Log.Debug("SIGTERM failed: %v", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.Log.Warn("OpenVPN did not exit, killing it")
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}

// monitorOutput logs engine output and forwards the events found in it.
func (p *OpenVPNProcess) monitorOutput(wg *sync.WaitGroup, pipe io.Reader, events chan<- Event) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.Log.Debug("OpenVPN: %s", line)
		if ev, ok := parseOpenVPNLine(line); ok {
			events <- ev
		}
	}
}

// parseOpenVPNLine maps an openvpn log line to an Event.
func parseOpenVPNLine(line string) (Event, bool) {
	switch {
	case strings.Contains(line, "Initialization Sequence Completed"):
		return Event{Kind: EventConnected}, true
	case strings.Contains(line, "AUTH_FAILED"):
		return Event{Kind: EventError, Error: authFailure(line), Detail: line}, true
	case strings.Contains(line, "RESOLVE: Cannot resolve host"):
		return Event{Kind: EventError, Error: vpn.LookupFailedInternal, Detail: line}, true
	case strings.Contains(line, "Connection reset, restarting"),
		strings.Contains(line, "Inactivity timeout"),
		strings.Contains(line, "TLS handshake failed"),
		strings.Contains(line, "TLS key negotiation failed"),
		strings.Contains(line, "Connection refused"):
		return Event{Kind: EventUnreachable, Detail: line}, true
	case strings.Contains(line, "Attempting to establish TCP connection"),
		strings.Contains(line, "UDP link remote"),
		strings.Contains(line, "TCP_CLIENT link remote"):
		return Event{Kind: EventConnecting, Detail: line}, true
	}
	return Event{}, false
}

// authFailure classifies the reason openvpn appends to AUTH_FAILED.
func authFailure(line string) vpn.ErrorType {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "max sessions"), strings.Contains(lower, "session limit"):
		return vpn.MaxSessions
	case strings.Contains(lower, "delinquent"):
		return vpn.PolicyViolationDelinquent
	case strings.Contains(lower, "plan"):
		return vpn.PolicyViolationLowPlan
	default:
		return vpn.AuthFailedInternal
	}
}

func (p *OpenVPNProcess) render(t Tunnel) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(t.Key.PrivateKey)
	if err != nil {
		return "", err
	}
	proto := "udp"
	if t.Params.Protocol.Transmission == protocol.TCP {
		proto = "tcp-client"
	}

	var b strings.Builder
	b.WriteString("client\ndev tun\nnobind\npersist-key\nauth-nocache\nverb 3\n")
	fmt.Fprintf(&b, "proto %s\n", proto)
	fmt.Fprintf(&b, "remote %s %d\n", t.Params.EntryIP, t.Params.Port)
	if p.Mark != 0 {
		fmt.Fprintf(&b, "mark %d\n", p.Mark)
	}
	if p.CAFile != "" {
		fmt.Fprintf(&b, "ca %s\nremote-cert-tls server\n", p.CAFile)
	}
	fmt.Fprintf(&b, "<cert>\n%s\n</cert>\n", strings.TrimSpace(t.Key.CertificatePEM))
	fmt.Fprintf(&b, "<key>\n%s</key>\n", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return b.String(), nil
}
