// Package cli provides the command-line interface for the VPN orchestrator.
// Commands other than the server listing talk to a running daemon through
// the control API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/vpn-orchestrator/catalog"
	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// CLI represents the command-line interface.
type CLI struct {
	client  *control.Client
	catalog *catalog.Catalog
	out     io.Writer
	// ConnectTimeout bounds how long Connect waits for the tunnel.
	ConnectTimeout time.Duration
}

// New creates a new CLI instance. cat may be nil when only daemon
// commands are used.
func New(client *control.Client, cat *catalog.Catalog) *CLI {
	return &CLI{
		client:         client,
		catalog:        cat,
		out:            os.Stdout,
		ConnectTimeout: common.ConnectionTimeout,
	}
}

// ListServers lists the known servers, optionally limited to one country.
func (c *CLI) ListServers(country string) error {
	if c.catalog == nil {
		return errors.New("no server catalog loaded")
	}

	var servers []*vpn.Server
	for _, s := range c.catalog.Servers() {
		if country == "" || strings.EqualFold(s.Country, country) {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		fmt.Fprintln(c.out, "No servers found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tCITY\tTIER\tSCORE\tSTATUS")
	fmt.Fprintln(w, "--\t----\t-------\t----\t----\t-----\t------")
	for _, s := range servers {
		status := "Online"
		if !s.Online() {
			status = "Offline"
		}
		city := s.City
		if city == "" {
			city = "-"
		}
		if s.Gateway != "" {
			city += " (" + s.Gateway + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
			s.ID, s.Name, s.Country, city, s.Tier, s.Score, status)
	}
	return w.Flush()
}

// Connect asks the daemon to connect and waits for the outcome.
func (c *CLI) Connect(ctx context.Context, req control.ConnectRequest) error {
	intent, err := req.Intent()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connecting to %s...\n", intent)

	if _, err := c.client.Connect(ctx, req); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	var result error
	var last control.StatusResponse
	err = c.client.Watch(ctx, func(s control.StatusResponse) bool {
		last = s
		switch {
		case s.State.Kind == vpn.Connected:
			return false
		case s.State.Kind == vpn.Error && s.State.Final:
			result = fmt.Errorf("connection failed: %s", s.State.Error)
			return false
		case s.State.Kind == vpn.Disabled:
			result = errors.New("connection was cancelled")
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if result != nil {
		return result
	}
	if last.State.Kind != vpn.Connected {
		return fmt.Errorf("%w waiting for connection (last state %s)", common.ErrTimeout, last.State)
	}

	fmt.Fprintf(c.out, "✓ Connected to %s via %s (%s)\n", last.Server, last.Protocol, last.Endpoint)
	return nil
}

// Disconnect disconnects the active connection.
func (c *CLI) Disconnect(ctx context.Context) error {
	status, err := c.client.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	if status.State.Kind != vpn.Disabled {
		return fmt.Errorf("still %s after disconnect", status.State)
	}
	fmt.Fprintln(c.out, "✓ Disconnected")
	return nil
}

// Reconnect re-establishes the active connection.
func (c *CLI) Reconnect(ctx context.Context) error {
	if _, err := c.client.Reconnect(ctx); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	fmt.Fprintln(c.out, "Reconnecting...")
	return nil
}

// Status shows the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	status, err := c.client.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tSERVER\tPROTOCOL\tENDPOINT\tBACKEND")
	fmt.Fprintln(w, "-----\t------\t--------\t--------\t-------")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		status.State, dash(status.Server), dash(status.Protocol), dash(status.Endpoint), dash(status.Backend))
	if err := w.Flush(); err != nil {
		return err
	}
	if status.Retry != nil {
		fmt.Fprintf(c.out, "Retrying in %ds\n", status.Retry.RetryInSeconds)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`VPN Orchestrator

Usage:
  vpn-orchestrator [OPTIONS]

Options:
  --config PATH       Use an alternative configuration file
  --version           Show version and exit
  --verbose           Enable verbose logging
  --daemon            Run the connection engine and control API
  --servers [CC]      List known servers, optionally for one country
  --connect TARGET    Connect: "fastest", a country code, CC/City,
                      a server id prefixed with "server:" or a gateway
                      prefixed with "gateway:"
  --protocol NAME     Protocol for --connect, e.g. wireguard/udp, openvpn/tcp
  --disconnect        Disconnect the active connection
  --reconnect         Reconnect with the current parameters
  --status            Show current connection status
  --watch             Follow connection state changes
  --help              Show this help message

Examples:
  vpn-orchestrator --daemon
  vpn-orchestrator --connect CH
  vpn-orchestrator --connect CH/Zurich --protocol openvpn/tcp
  vpn-orchestrator --connect server:ch-1
  vpn-orchestrator --watch`)
}

// ParseTarget converts a --connect argument into a request.
func ParseTarget(target, proto string) control.ConnectRequest {
	req := control.ConnectRequest{Protocol: proto}
	target = strings.TrimSpace(target)
	switch {
	case target == "" || strings.EqualFold(target, "fastest"):
	case strings.HasPrefix(target, "server:"):
		req.Server = strings.TrimPrefix(target, "server:")
	case strings.HasPrefix(target, "gateway:"):
		req.Gateway = strings.TrimPrefix(target, "gateway:")
	default:
		country, city, _ := strings.Cut(target, "/")
		req.Country = strings.ToUpper(country)
		req.City = city
	}
	return req
}
