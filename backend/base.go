package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/observe"
	"github.com/yllada/vpn-orchestrator/protocol"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Base implements vpn.Backend over an Engine.
type Base struct {
	name         string
	kind         protocol.VpnKind
	requiresCert bool
	// scanning is false for families whose endpoints cannot be probed.
	scanning bool
	// self is the adapter embedding Base, handed out in PrepareResults.
	self vpn.Backend

	Engine  Engine
	Prepare *vpn.PrepareForConnection
	Keys    KeySource
	Tracker *vpn.UnreachableTracker

	DisconnectTimeout time.Duration
	PollInterval      time.Duration
	Log               common.Logger

	state *observe.Value[vpn.State]

	mu     sync.Mutex
	params *vpn.ConnectionParams
	retry  *vpn.RetryInfo
	// gen changes on every Connect and Disconnect. A start or restart
	// belonging to an older generation is abandoned.
	gen        int
	run        int
	stopping   bool
	restarting bool
	cancel     context.CancelFunc
}

func newBase(self vpn.Backend, name string, kind protocol.VpnKind, engine Engine, prepare *vpn.PrepareForConnection, tracker *vpn.UnreachableTracker) Base {
	return Base{
		name:              name,
		kind:              kind,
		scanning:          true,
		self:              self,
		Engine:            engine,
		Prepare:           prepare,
		Tracker:           tracker,
		DisconnectTimeout: common.DisconnectTimeout,
		PollInterval:      common.DisconnectPollInterval,
		Log:               common.ComponentLogger(name),
		state:             observe.NewValue(vpn.StateOf(vpn.Disabled)),
	}
}

// Name implements vpn.Backend.
func (b *Base) Name() string { return b.name }

// Kind implements vpn.Backend.
func (b *Base) Kind() protocol.VpnKind { return b.kind }

// RequiresCertificate implements vpn.Backend.
func (b *Base) RequiresCertificate() bool { return b.requiresCert }

// State implements vpn.Backend.
func (b *Base) State() vpn.State { return b.state.Get() }

// Watch implements vpn.Backend.
func (b *Base) Watch(ctx context.Context) <-chan vpn.State { return b.state.Watch(ctx) }

// RetryInfo implements vpn.Backend.
func (b *Base) RetryInfo() *vpn.RetryInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retry
}

// PrepareForConnection implements vpn.Backend.
func (b *Base) PrepareForConnection(ctx context.Context, intent vpn.ConnectIntent, server *vpn.Server, transmissions []protocol.Transmission, scan, waitForAll bool) []vpn.PrepareResult {
	if len(transmissions) == 0 {
		transmissions = []protocol.Transmission{protocol.TransmissionUnset}
	}
	supported := make([]protocol.Transmission, 0, len(transmissions))
	for _, t := range transmissions {
		if b.Engine.Supports(t) {
			supported = append(supported, t)
		}
	}
	if len(supported) == 0 {
		return nil
	}

	infos := b.Prepare.Prepare(ctx, server, b.kind, supported, scan && b.scanning, vpn.PrepareOptions{WaitForAll: waitForAll})
	results := make([]vpn.PrepareResult, 0, len(infos))
	for _, info := range infos {
		results = append(results, vpn.PrepareResult{
			Backend: b.self,
			Params:  vpn.NewConnectionParams(intent, server, info),
		})
	}
	return results
}

// Connect implements vpn.Backend.
func (b *Base) Connect(ctx context.Context, params vpn.ConnectionParams) error {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.params = &params
	b.retry = nil
	b.mu.Unlock()

	if b.Tracker != nil {
		b.Tracker.Reset(false)
	}
	return b.start(ctx, gen, vpn.Connecting)
}

// Reconnect implements vpn.Backend.
func (b *Base) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.params == nil {
		b.mu.Unlock()
		return common.ErrNotConnected
	}
	gen := b.gen
	b.state.Set(vpn.StateOf(vpn.Reconnecting))
	b.mu.Unlock()

	if !b.restart(ctx, gen) {
		return common.ErrCancelled
	}
	return b.start(ctx, gen, vpn.Reconnecting)
}

// Disconnect implements vpn.Backend.
func (b *Base) Disconnect(ctx context.Context) {
	b.mu.Lock()
	b.gen++
	if b.state.Get().Kind == vpn.Disabled {
		b.mu.Unlock()
		return
	}
	b.state.Set(vpn.StateOf(vpn.Disconnecting))
	b.mu.Unlock()

	b.stop(ctx)
	b.waitForDisconnect(ctx)

	b.mu.Lock()
	b.params = nil
	b.retry = nil
	b.mu.Unlock()
}

// NetworkChanged implements vpn.NetworkObserver.
func (b *Base) NetworkChanged() {
	if b.Tracker != nil {
		b.Tracker.OnNetworkChanged()
	}
}

// start launches a new engine run for gen publishing initial first. It
// returns common.ErrCancelled when gen was superseded.
func (b *Base) start(ctx context.Context, gen int, initial vpn.StateKind) error {
	b.mu.Lock()
	if b.gen != gen || b.params == nil {
		b.mu.Unlock()
		return common.ErrCancelled
	}
	params := *b.params
	b.mu.Unlock()

	tunnel := Tunnel{Params: params}
	if b.Keys != nil {
		key, err := b.Keys(ctx)
		if err != nil {
			return err
		}
		tunnel.Key = key
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return common.ErrCancelled
	}
	b.state.Set(vpn.StateOf(initial))
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := b.Engine.Start(runCtx, tunnel)
	if err != nil {
		cancel()
		b.mu.Lock()
		if b.gen == gen {
			b.state.Set(vpn.StateOf(vpn.Disabled))
		}
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		b.Log.Debug("Connection superseded while the engine started, stopping it")
		b.abandon(ctx, cancel, events)
		return common.ErrCancelled
	}
	b.run++
	run := b.run
	b.stopping = false
	b.restarting = false
	b.cancel = cancel
	b.mu.Unlock()

	go b.pump(run, events)
	return nil
}

// restart stops the current run for a reconnect unless gen was superseded.
func (b *Base) restart(ctx context.Context, gen int) bool {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return false
	}
	b.stopping = true
	b.restarting = true
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	b.stopEngine(ctx, cancel)
	return true
}

// abandon shuts down a run that was started for a superseded generation.
func (b *Base) abandon(ctx context.Context, cancel context.CancelFunc, events <-chan Event) {
	go func() {
		for range events {
		}
	}()
	b.stopEngine(ctx, cancel)
}

// stop asks the engine to shut down for a disconnect.
func (b *Base) stop(ctx context.Context) {
	b.mu.Lock()
	b.stopping = true
	b.restarting = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	b.stopEngine(ctx, cancel)
}

func (b *Base) stopEngine(ctx context.Context, cancel context.CancelFunc) {
	stopCtx, done := context.WithTimeout(ctx, b.DisconnectTimeout)
	defer done()
	if err := b.Engine.Stop(stopCtx); err != nil {
		b.Log.Warn("Engine stop failed: %v", err)
	}
	if cancel != nil {
		cancel()
	}
}

// waitForDisconnect polls until the engine reported the tunnel down and
// forces Disabled after DisconnectTimeout.
func (b *Base) waitForDisconnect(ctx context.Context) {
	deadline := time.Now().Add(b.DisconnectTimeout)
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for b.State().Kind != vpn.Disabled {
		if time.Now().After(deadline) {
			b.Log.Warn("Engine did not confirm disconnect, forcing Disabled")
			break
		}
		select {
		case <-ctx.Done():
			b.Log.Debug("Disconnect wait cancelled")
			b.state.Set(vpn.StateOf(vpn.Disabled))
			return
		case <-ticker.C:
		}
	}
	b.state.Set(vpn.StateOf(vpn.Disabled))
}

// pump translates the events of one engine run.
func (b *Base) pump(run int, events <-chan Event) {
	for ev := range events {
		if !b.current(run) {
			continue
		}
		b.handle(ev)
	}

	b.mu.Lock()
	current := b.run == run
	stopping, restarting := b.stopping, b.restarting
	b.mu.Unlock()
	switch {
	case !current || restarting:
	case stopping:
		b.state.Set(vpn.StateOf(vpn.Disabled))
	default:
		b.Log.Warn("Engine exited unexpectedly")
		b.onUnreachable(true)
	}
}

func (b *Base) current(run int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run == run && !b.stopping
}

func (b *Base) handle(ev Event) {
	b.Log.Debug("Engine event %s %s", ev.Kind, ev.Detail)
	switch ev.Kind {
	case EventConnecting:
		if b.State().Kind != vpn.Reconnecting {
			b.state.Set(vpn.StateOf(vpn.Connecting))
		}
	case EventConnected:
		if b.Tracker != nil {
			b.Tracker.OnReachable()
		}
		b.mu.Lock()
		b.retry = nil
		b.mu.Unlock()
		b.state.Set(vpn.StateOf(vpn.Connected))
	case EventReachable:
		if b.Tracker != nil {
			b.Tracker.OnReachable()
		}
		if b.State().Kind != vpn.Connected {
			b.state.Set(vpn.StateOf(vpn.Connected))
		}
	case EventUnreachable:
		b.onUnreachable(false)
	case EventError:
		b.mu.Lock()
		b.retry = ev.Retry
		b.mu.Unlock()
		b.state.Set(vpn.ErrorState(ev.Error, false))
	case EventDisconnected:
		b.state.Set(vpn.StateOf(vpn.Disabled))
	}
}

// onUnreachable applies the tracker's decision for a lost server. An
// exited engine is restarted unless the tracker escalates.
func (b *Base) onUnreachable(exited bool) {
	action := vpn.ActionFallback
	if b.Tracker != nil {
		action = b.Tracker.OnUnreachable()
	}
	b.Log.Info("Server unreachable, action %s", action)

	if exited && action == vpn.ActionError {
		action = vpn.ActionSilentReconnect
	}
	switch action {
	case vpn.ActionSilentReconnect:
		go func() {
			err := b.Reconnect(context.Background())
			if errors.Is(err, common.ErrCancelled) {
				b.Log.Debug("Silent reconnect superseded")
				return
			}
			if err != nil {
				b.Log.Warn("Silent reconnect failed: %v", err)
				b.state.Set(vpn.ErrorState(vpn.UnreachableInternal, false))
			}
		}()
	case vpn.ActionFallback:
		b.state.Set(vpn.ErrorState(vpn.UnreachableInternal, false))
	default:
		// The engine keeps retrying until the next escalation window.
		b.state.Set(vpn.StateOf(vpn.Reconnecting))
	}
}
