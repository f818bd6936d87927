package ping

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// Prober sends a single reachability probe.
type Prober interface {
	// Ping reports whether ip:port answered within timeout. When tcp is
	// true and data is empty, a completed handshake counts as an answer.
	Ping(ctx context.Context, ip string, port int, data []byte, tcp bool, timeout time.Duration) bool
}

// Pinger is the socket-backed Prober.
type Pinger struct {
	// Mark is applied as SO_MARK to every probe socket so that routing
	// rules can keep probes out of an active tunnel. Zero disables it.
	Mark int
	Log  common.Logger
}

// NewPinger returns a Pinger using the given firewall mark.
func NewPinger(mark int) *Pinger {
	return &Pinger{Mark: mark, Log: common.ComponentLogger("ping")}
}

// Ping implements Prober. I/O errors are logged and reported as false;
// errors caused by cancellation or timeout are not logged.
func (p *Pinger) Ping(ctx context.Context, ip string, port int, data []byte, tcp bool, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	network := "udp"
	if tcp {
		network = "tcp"
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	dialer := net.Dialer{Control: p.control}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		p.logFailure(ctx, "dial", addr, err)
		return false
	}

	// Closing the socket interrupts a blocked read as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
	}()

	if tcp && len(data) == 0 {
		return true
	}

	if _, err := conn.Write(data); err != nil {
		p.logFailure(ctx, "write", addr, err)
		return false
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		p.logFailure(ctx, "read", addr, err)
		return false
	}
	return n > 0
}

func (p *Pinger) control(network, address string, c syscall.RawConn) error {
	if p.Mark == 0 {
		return nil
	}
	return setMark(c, p.Mark)
}

func (p *Pinger) logFailure(ctx context.Context, op, addr string, err error) {
	if ctx.Err() != nil || p.Log == nil {
		return
	}
	p.Log.Debug("Probe %s %s failed: %v", op, addr, err)
}
