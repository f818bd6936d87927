package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
)

// NetworkManager D-Bus names.
const (
	nmService     = "org.freedesktop.NetworkManager"
	nmPath        = "/org/freedesktop/NetworkManager"
	nmInterface   = "org.freedesktop.NetworkManager"
	nmStateMember = "StateChanged"
)

// nmConnectedSite is NM_STATE_CONNECTED_SITE; higher states have at least
// site connectivity.
const nmConnectedSite = 60

// stateSource is the part of NetworkManager the monitor uses.
type stateSource interface {
	State() (uint32, error)
	// Subscribe yields every StateChanged value until cancel is called.
	Subscribe() (states <-chan uint32, cancel func(), err error)
}

// NetworkMonitor implements vpn.NetworkMonitor on top of NetworkManager.
type NetworkMonitor struct {
	source stateSource
	Log    common.Logger
}

// NewNetworkMonitor connects to NetworkManager on the system bus.
func NewNetworkMonitor() (*NetworkMonitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	src := &networkManager{conn: conn}
	if _, err := src.State(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NetworkManager not available: %w", err)
	}
	return &NetworkMonitor{source: src, Log: common.ComponentLogger("network")}, nil
}

// HasNetwork implements vpn.NetworkMonitor. Unknown state counts as online
// so that a broken bus never blocks connecting.
func (m *NetworkMonitor) HasNetwork() bool {
	state, err := m.source.State()
	if err != nil {
		m.Log.Warn("Cannot read network state: %v", err)
		return true
	}
	return state >= nmConnectedSite
}

// Changes implements vpn.NetworkMonitor. Only transitions between online
// and offline are reported.
func (m *NetworkMonitor) Changes(ctx context.Context) <-chan bool {
	out := make(chan bool)
	states, cancel, err := m.source.Subscribe()
	if err != nil {
		m.Log.Warn("Cannot watch network state: %v", err)
		context.AfterFunc(ctx, func() { close(out) })
		return out
	}

	go func() {
		defer close(out)
		defer cancel()
		last := m.HasNetwork()
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				online := state >= nmConnectedSite
				if online == last {
					continue
				}
				last = online
				m.Log.Info("Network %s (state %d)", map[bool]string{true: "available", false: "lost"}[online], state)
				select {
				case out <- online:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// networkManager reads NetworkManager over D-Bus.
type networkManager struct {
	conn *dbus.Conn
}

func (n *networkManager) State() (uint32, error) {
	v, err := n.conn.Object(nmService, nmPath).GetProperty(nmInterface + ".State")
	if err != nil {
		return 0, err
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected State type %T", v.Value())
	}
	return state, nil
}

func (n *networkManager) Subscribe() (<-chan uint32, func(), error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember(nmStateMember),
	}
	if err := n.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, err
	}

	signals := make(chan *dbus.Signal, 16)
	n.conn.Signal(signals)
	states := make(chan uint32, 16)
	done := make(chan struct{})

	go func() {
		defer close(states)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != nmInterface+"."+nmStateMember || len(sig.Body) == 0 {
					continue
				}
				if state, ok := sig.Body[0].(uint32); ok {
					select {
					case states <- state:
					case <-done:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.conn.RemoveSignal(signals)
			_ = n.conn.RemoveMatchSignal(opts...)
			close(done)
		})
	}
	return states, cancel, nil
}

// StaticNetwork always reports an available network. It stands in when
// NetworkManager is not running.
type StaticNetwork struct{}

// HasNetwork implements vpn.NetworkMonitor.
func (StaticNetwork) HasNetwork() bool { return true }

// Changes implements vpn.NetworkMonitor.
func (StaticNetwork) Changes(ctx context.Context) <-chan bool {
	out := make(chan bool)
	context.AfterFunc(ctx, func() { close(out) })
	return out
}
