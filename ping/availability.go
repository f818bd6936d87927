package ping

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// Destination is an entry IP with the candidate ports to probe.
type Destination struct {
	IP    string
	Ports []int
}

// Equal reports whether d and o name the same endpoint set.
func (d Destination) Equal(o Destination) bool {
	return d.IP == o.IP && slices.Equal(d.Ports, o.Ports)
}

// AvailabilityCheck probes candidate ports for several transmissions in
// parallel.
type AvailabilityCheck struct {
	Prober Prober

	// PriorityWait is how long earlier-listed ports get to answer before a
	// later port is accepted. Best effort under heavy scheduling load.
	PriorityWait time.Duration
	// Timeout bounds each individual probe.
	Timeout time.Duration

	Log common.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewAvailabilityCheck returns a check with the default timing.
func NewAvailabilityCheck(prober Prober) *AvailabilityCheck {
	return &AvailabilityCheck{
		Prober:       prober,
		PriorityWait: common.PriorityWait,
		Timeout:      common.PingTimeout,
		Log:          common.ComponentLogger("availability"),
	}
}

// Check probes every destination and returns, per transmission, the ports
// that answered. Transmissions with no live port are absent from the result.
//
// Unless waitForAll is set, each transmission stops at its first winning
// port. UDP probing needs serverKey; without it only UDP fails. A TLS
// destination identical to the TCP one reuses the TCP result.
func (c *AvailabilityCheck) Check(ctx context.Context, dests map[protocol.Transmission]Destination, serverKey []byte, waitForAll bool) map[protocol.Transmission]Destination {
	var (
		mu     sync.Mutex
		result = make(map[protocol.Transmission]Destination, len(dests))
		g      errgroup.Group
	)

	tcp, hasTCP := dests[protocol.TCP]
	tls, hasTLS := dests[protocol.TLS]
	tlsFromTCP := hasTCP && hasTLS && tcp.Equal(tls)

	for transmission, dest := range dests {
		if transmission == protocol.TLS && tlsFromTCP {
			continue
		}
		if len(dest.Ports) == 0 || dest.IP == "" {
			continue
		}

		var data []byte
		if transmission == protocol.UDP {
			if len(serverKey) == 0 {
				c.logger().Warn("No server key, skipping UDP probe of %s", dest.IP)
				continue
			}
			data = BuildProbe(serverKey, c.clock())
		}

		g.Go(func() error {
			live := c.checkPorts(ctx, dest, data, transmission.IsTCPBased(), waitForAll)
			if len(live) == 0 {
				return nil
			}
			mu.Lock()
			result[transmission] = Destination{IP: dest.IP, Ports: live}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if tlsFromTCP {
		if r, ok := result[protocol.TCP]; ok {
			result[protocol.TLS] = Destination{IP: r.IP, Ports: slices.Clone(r.Ports)}
		}
	}
	return result
}

type portResult struct {
	index int
	ok    bool
}

// checkPorts races the ports of one destination and returns the live ones.
func (c *AvailabilityCheck) checkPorts(ctx context.Context, dest Destination, data []byte, tcp, waitForAll bool) []int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan portResult, len(dest.Ports))
	for i, port := range dest.Ports {
		go func() {
			ok := c.Prober.Ping(ctx, dest.IP, port, data, tcp, c.Timeout)
			results <- portResult{index: i, ok: ok}
		}()
	}

	if waitForAll {
		live := make([]bool, len(dest.Ports))
		for range dest.Ports {
			r := <-results
			live[r.index] = r.ok
		}
		var ports []int
		for i, ok := range live {
			if ok {
				ports = append(ports, dest.Ports[i])
			}
		}
		return ports
	}

	best := -1
	window := time.NewTimer(c.PriorityWait)
	defer window.Stop()
	windowC := window.C

	for received := 0; received < len(dest.Ports); {
		select {
		case r := <-results:
			received++
			if !r.ok {
				continue
			}
			if windowC == nil || r.index == 0 {
				return []int{dest.Ports[r.index]}
			}
			if best < 0 || r.index < best {
				best = r.index
			}
		case <-windowC:
			windowC = nil
			if best >= 0 {
				return []int{dest.Ports[best]}
			}
		}
	}

	if best >= 0 {
		return []int{dest.Ports[best]}
	}
	return nil
}

func (c *AvailabilityCheck) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *AvailabilityCheck) logger() common.Logger {
	if c.Log == nil {
		return common.NopLogger{}
	}
	return c.Log
}
