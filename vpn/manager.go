// Package vpn provides the VPN connection orchestration engine.
// This file contains the Manager type which drives the connect, disconnect
// and fallback state machine on top of the tunnel backends.
package vpn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// job is a running connect or fallback job.
type job struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *job) active() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// activation is one backend bound to one set of params. Backend events are
// honoured only for the current activation.
type activation struct {
	backend Backend
	params  ConnectionParams
	cancel  context.CancelFunc
	// seen is set once the backend reported a non-Disabled state.
	seen bool
}

// Manager orchestrates VPN connections.
// At most one backend is active at a time; every transition that changes it
// runs under a single lock as "set state, tell backend, wait".
type Manager struct {
	Provider     *BackendProvider
	Servers      ServerDirectory
	Account      AccountService
	Errors       *ErrorHandler
	Certificates CertificateSource

	// Optional platform collaborators.
	Permission PermissionRequester
	WakeLock   WakeLock
	Network    NetworkMonitor
	Params     ParamsStore

	DefaultProtocol    protocol.Selection
	WakeLockMax        time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	ServerErrorRetries int
	Log                common.Logger

	monitor *StateMonitor

	opMu         sync.Mutex
	activation   *activation
	serverErrors int

	jobMu       sync.Mutex
	base        context.Context
	connectJob  *job
	fallbackJob *job
	lastIntent  *ConnectIntent
}

// NewManager creates a manager configured from cfg.
func NewManager(cfg *config.Config, provider *BackendProvider, servers ServerDirectory, account AccountService, errs *ErrorHandler, certs CertificateSource) *Manager {
	m := &Manager{
		Provider:           provider,
		Servers:            servers,
		Account:            account,
		Errors:             errs,
		Certificates:       certs,
		DefaultProtocol:    cfg.Connection.Protocol,
		WakeLockMax:        cfg.Connection.WakeLockMax,
		BackoffBase:        cfg.Connection.BackoffBase,
		BackoffMax:         cfg.Connection.BackoffMax,
		ServerErrorRetries: cfg.Connection.ServerErrorRetries,
		Log:                common.ComponentLogger("manager"),
		monitor:            NewStateMonitor(),
		base:               context.Background(),
	}
	if errs != nil && errs.Active == nil {
		errs.Active = m.monitor.IsEstablishingOrConnected
	}
	return m
}

// Monitor returns the status broadcaster.
func (m *Manager) Monitor() *StateMonitor {
	return m.monitor
}

// ActiveBackend returns the backend that owns the connection, or nil.
func (m *Manager) ActiveBackend() Backend {
	return m.monitor.Status().Backend
}

// Run serves account-driven switches and network changes until ctx is
// done. Jobs started afterwards are children of ctx.
func (m *Manager) Run(ctx context.Context) error {
	m.jobMu.Lock()
	m.base = ctx
	m.jobMu.Unlock()

	var switches <-chan Switch
	if m.Errors != nil {
		switches = m.Errors.Switches()
	}
	var network <-chan bool
	if m.Network != nil {
		network = m.Network.Changes(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.jobMu.Lock()
			m.cancelJobLocked(&m.connectJob)
			m.cancelJobLocked(&m.fallbackJob)
			m.jobMu.Unlock()
			return nil

		case sw := <-switches:
			// Account changes override any error handling in flight.
			m.jobMu.Lock()
			m.cancelJobLocked(&m.fallbackJob)
			m.jobMu.Unlock()
			m.applySwitch(sw)

		case up, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			m.Log.Info("Network changed (available: %v)", up)
			if obs, ok := m.ActiveBackend().(NetworkObserver); ok {
				obs.NetworkChanged()
			}
		}
	}
}

// Connect starts a user-initiated connection to intent. It cancels any
// connect or fallback job in progress and returns once the job started.
func (m *Manager) Connect(intent ConnectIntent) error {
	if m.Permission != nil {
		if err := m.Permission.PrepareConnectPermission(); err != nil {
			return fmt.Errorf("%w: %v", common.ErrPermissionDenied, err)
		}
	}

	m.jobMu.Lock()
	m.cancelJobLocked(&m.fallbackJob)
	m.jobMu.Unlock()

	m.connect(intent)
	return nil
}

// connect starts a connect job without touching the fallback job.
func (m *Manager) connect(intent ConnectIntent) {
	m.replaceJob(&m.connectJob, "connect", func(ctx context.Context) {
		m.runConnect(ctx, intent)
	})
}

// Disconnect cancels all jobs and tears down the active backend.
func (m *Manager) Disconnect(ctx context.Context) {
	m.jobMu.Lock()
	m.cancelJobLocked(&m.connectJob)
	m.cancelJobLocked(&m.fallbackJob)
	m.jobMu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.Log.Info("Disconnecting")
	m.disconnectLocked(ctx, Disabled)
	m.clearParams(ctx)
}

// ReconnectWithCurrentParams reconnects the active backend. Without an
// active backend it connects again with the last known intent.
func (m *Manager) ReconnectWithCurrentParams(ctx context.Context) error {
	m.opMu.Lock()
	act := m.activation
	if act == nil {
		m.opMu.Unlock()

		m.jobMu.Lock()
		last := m.lastIntent
		m.jobMu.Unlock()
		if last == nil {
			return common.ErrNotConnected
		}
		m.Log.Info("No active backend, connecting to %s", *last)
		return m.Connect(*last)
	}
	defer m.opMu.Unlock()
	return m.reconnectLocked(ctx, act)
}

// RestoreInterrupted reconnects a connection that was in progress when the
// process stopped. It reports whether one was found.
func (m *Manager) RestoreInterrupted(ctx context.Context) (bool, error) {
	if m.Params == nil {
		return false, nil
	}
	params, ok, err := m.Params.LoadParams(ctx)
	if err != nil || !ok {
		return false, err
	}
	m.Log.Info("Restoring interrupted connection to %s", params)
	return true, m.Connect(params.Intent)
}

func (m *Manager) runConnect(ctx context.Context, intent ConnectIntent) {
	m.jobMu.Lock()
	m.lastIntent = &intent
	m.jobMu.Unlock()

	sel := m.protocolFor(intent)
	server, err := m.Servers.Resolve(intent)
	if err != nil {
		m.Log.Warn("Cannot resolve %s: %v", intent, err)
		server = nil
	}
	if ctx.Err() != nil {
		return
	}

	if server == nil || !server.Online() || server.Tier > m.Account.UserData().Tier || !server.SupportsProtocol(sel) {
		m.Log.Warn("No usable server for %s", intent)
		m.opMu.Lock()
		m.publishLocked(StateOf(CheckingAvailability), m.activation)
		m.opMu.Unlock()

		m.startFallback("server-unavailable", func(ctx context.Context) {
			m.resolve(ctx, m.Errors.OnServerUnavailable(ctx, intent, server, sel))
		})
		return
	}

	m.smartConnect(ctx, intent, server, sel)
}

func (m *Manager) smartConnect(ctx context.Context, intent ConnectIntent, server *Server, sel protocol.Selection) {
	m.opMu.Lock()
	if ctx.Err() != nil {
		m.opMu.Unlock()
		return
	}
	if m.activation != nil {
		m.disconnectLocked(ctx, CheckingAvailability)
	}
	m.publishLocked(StateOf(ScanningPorts), nil)
	m.opMu.Unlock()

	result := m.prepare(ctx, intent, server, sel)
	if ctx.Err() != nil {
		return
	}
	if result == nil {
		m.Log.Error("No protocol available for %s on %s", sel, server.Name)
		m.opMu.Lock()
		m.publishLocked(ErrorState(ProtocolNotSupported, true), nil)
		m.opMu.Unlock()
		m.clearParams(ctx)
		return
	}

	m.connectTo(ctx, *result)
}

// prepare finds an endpoint for sel on server. Smart selection without a
// network skips scanning; a failed scan is retried once without scanning.
func (m *Manager) prepare(ctx context.Context, intent ConnectIntent, server *Server, sel protocol.Selection) *PrepareResult {
	hasNetwork := m.Network == nil || m.Network.HasNetwork()
	if sel.IsSmart() && !hasNetwork {
		m.Log.Info("No network, picking a protocol without scanning")
		return m.fallbackProtocol(ctx, intent, server)
	}

	if r := m.Provider.PrepareConnection(ctx, sel, intent, server, true); r != nil {
		return r
	}
	if ctx.Err() != nil {
		return nil
	}
	if sel.IsSmart() {
		if r := m.fallbackProtocol(ctx, intent, server); r != nil {
			return r
		}
	}

	m.Log.Info("Port scan found nothing on %s, retrying without scan", server.Name)
	return m.Provider.PrepareConnection(ctx, sel, intent, server, false)
}

// fallbackProtocol returns the first concrete protocol, in
// protocol.SmartFallbackOrder, that the server and a backend support.
func (m *Manager) fallbackProtocol(ctx context.Context, intent ConnectIntent, server *Server) *PrepareResult {
	for _, sel := range protocol.SmartFallbackOrder {
		if !server.SupportsProtocol(sel) || m.Provider.ForKind(sel.Kind) == nil {
			continue
		}
		if r := m.Provider.PrepareConnection(ctx, sel, intent, server, false); r != nil {
			return r
		}
	}
	return nil
}

// connectTo hands a prepared result to its backend.
func (m *Manager) connectTo(ctx context.Context, result PrepareResult) {
	b, params := result.Backend, result.Params

	if b.RequiresCertificate() {
		session := m.Account.UserData().SessionID
		if err := m.Certificates.EnsureCertificate(ctx, session); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.Log.Error("No certificate for %s: %v", b.Name(), err)
			m.opMu.Lock()
			if m.activation != nil {
				m.disconnectLocked(ctx, Disabled)
			}
			m.publishLocked(ErrorState(LocalAgentError, true), nil)
			m.opMu.Unlock()
			return
		}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if m.activation != nil {
		m.disconnectLocked(ctx, CheckingAvailability)
	}

	m.Log.Info("Connecting to %s with %s", params, b.Name())
	act := m.activateLocked(b, params)
	m.publishLocked(StateOf(Connecting), act)
	if m.Params != nil {
		if err := m.Params.SaveParams(ctx, params); err != nil {
			m.Log.Warn("Cannot persist connection params: %v", err)
		}
	}

	if err := b.Connect(ctx, params); err != nil {
		m.Log.Error("Backend %s failed to start: %v", b.Name(), err)
		m.disconnectLocked(ctx, Disabled)
		m.publishLocked(ErrorState(LocalAgentError, true), nil)
		m.clearParams(ctx)
	}
}

// activateLocked makes b the active backend and starts forwarding its states.
func (m *Manager) activateLocked(b Backend, params ConnectionParams) *activation {
	m.jobMu.Lock()
	base := m.base
	m.jobMu.Unlock()

	ctx, cancel := context.WithCancel(base)
	act := &activation{backend: b, params: params, cancel: cancel}
	m.activation = act

	states := b.Watch(ctx)
	go func() {
		for st := range states {
			m.onBackendState(act, st)
		}
	}()
	return act
}

// disconnectLocked tears down the active backend, publishing Disconnecting
// first and next once the backend is down.
func (m *Manager) disconnectLocked(ctx context.Context, next StateKind) {
	act := m.activation
	if act == nil {
		m.publishLocked(StateOf(next), nil)
		return
	}

	m.publishLocked(StateOf(Disconnecting), act)
	act.cancel()
	m.activation = nil
	act.backend.Disconnect(context.WithoutCancel(ctx))
	m.publishLocked(StateOf(next), nil)
}

func (m *Manager) reconnectLocked(ctx context.Context, act *activation) error {
	m.Log.Info("Reconnecting %s", act.params)
	m.publishLocked(StateOf(Reconnecting), act)
	return act.backend.Reconnect(ctx)
}

func (m *Manager) onBackendState(act *activation, st State) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.activation != act {
		return
	}
	if st.Kind == Disabled && !act.seen {
		return
	}
	act.seen = true

	if st.Kind != Error {
		if m.monitor.Status().State == st {
			return
		}
		if st.Kind == Connected {
			m.serverErrors = 0
		}
		m.publishLocked(st, act)
		return
	}

	if st.Error.IsRecoverable() {
		m.handleRecoverableLocked(act, st.Error)
	} else {
		m.handleUnrecoverableLocked(act, st.Error)
	}
}

func (m *Manager) handleRecoverableLocked(act *activation, errType ErrorType) {
	m.publishLocked(ErrorState(errType.UserFacing(), false), act)

	if m.fallbackActive() {
		m.Log.Debug("Fallback in progress, not handling %s", errType)
		return
	}

	params := act.params
	sel := m.protocolFor(params.Intent)
	m.Log.Warn("Recoverable error %s on %s", errType, params)

	switch errType {
	case AuthFailedInternal, PolicyViolationLowPlan:
		m.startFallback("auth", func(ctx context.Context) {
			m.resolve(ctx, m.Errors.OnAuthError(ctx, params))
		})
	case ServerError:
		m.serverErrors++
		if m.serverErrors <= m.ServerErrorRetries {
			delay := m.backoff(m.serverErrors)
			m.Log.Info("Server error %d/%d, retrying in %v", m.serverErrors, m.ServerErrorRetries, delay)
			m.startFallback("server-error", func(ctx context.Context) {
				if !sleepCtx(ctx, delay) {
					return
				}
				m.opMu.Lock()
				defer m.opMu.Unlock()
				if m.activation == act {
					_ = m.reconnectLocked(ctx, act)
				}
			})
			return
		}
		m.serverErrors = 0
		fallthrough
	default:
		m.startFallback("unreachable", func(ctx context.Context) {
			m.resolve(ctx, m.Errors.OnUnreachable(ctx, params, sel))
		})
	}
}

func (m *Manager) handleUnrecoverableLocked(act *activation, errType ErrorType) {
	m.Log.Error("Connection error %s on %s", errType, act.params)
	if errType == MaxSessions {
		m.disconnectLocked(context.Background(), Disabled)
		m.publishLocked(ErrorState(MaxSessions, true), nil)
		m.clearParams(context.Background())
		return
	}
	m.publishLocked(ErrorState(errType.UserFacing(), true), act)
	m.clearParams(context.Background())
}

// resolve applies an ErrorHandler resolution.
func (m *Manager) resolve(ctx context.Context, res Resolution) {
	if ctx.Err() != nil {
		return
	}
	switch {
	case res.Switch != nil:
		m.applySwitch(*res.Switch)
	case res.Retry:
		if err := m.ReconnectWithCurrentParams(ctx); err != nil {
			m.Log.Warn("Retry failed: %v", err)
		}
	case res.Error != ErrorNone:
		m.opMu.Lock()
		if m.activation != nil {
			m.disconnectLocked(ctx, Disabled)
		}
		m.publishLocked(ErrorState(res.Error.UserFacing(), true), nil)
		m.opMu.Unlock()
		m.clearParams(ctx)
	}
}

func (m *Manager) applySwitch(sw Switch) {
	m.Log.Info("Switching to %s (%s)", sw.Intent, sw.Reason)
	if sw.Prepared == nil {
		m.connect(sw.Intent)
		return
	}

	prepared := *sw.Prepared
	m.jobMu.Lock()
	m.lastIntent = &sw.Intent
	m.jobMu.Unlock()
	m.replaceJob(&m.connectJob, "connect", func(ctx context.Context) {
		m.connectTo(ctx, prepared)
	})
}

// publishLocked publishes st with the backend and params of act.
func (m *Manager) publishLocked(st State, act *activation) {
	s := Status{State: st}
	if act != nil {
		params := act.params
		s.Params = &params
		s.Backend = act.backend
		if st.Kind == Error && !st.Final {
			s.Retry = act.backend.RetryInfo()
		}
	}
	m.monitor.set(s)
}

func (m *Manager) protocolFor(intent ConnectIntent) protocol.Selection {
	if intent.Protocol != nil {
		return *intent.Protocol
	}
	return m.DefaultProtocol
}

func (m *Manager) clearParams(ctx context.Context) {
	if m.Params == nil {
		return
	}
	if err := m.Params.ClearParams(context.WithoutCancel(ctx)); err != nil {
		m.Log.Warn("Cannot clear connection params: %v", err)
	}
}

// backoff returns base·2^(attempt-1), capped at BackoffMax.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.BackoffBase
	for i := 1; i < attempt && d < m.BackoffMax; i++ {
		d *= 2
	}
	return min(d, m.BackoffMax)
}

// replaceJob cancels the job in slot and starts a new one.
func (m *Manager) replaceJob(slot **job, name string, fn func(ctx context.Context)) {
	m.jobMu.Lock()
	m.cancelJobLocked(slot)
	m.jobMu.Unlock()
	m.startJob(slot, name, fn)
}

// startFallback starts a fallback job. A fallback already in progress is
// a caller bug.
func (m *Manager) startFallback(name string, fn func(ctx context.Context)) {
	m.startJob(&m.fallbackJob, "fallback/"+name, fn)
}

func (m *Manager) startJob(slot **job, name string, fn func(ctx context.Context)) {
	m.jobMu.Lock()
	if old := *slot; old != nil && old.active() {
		m.Log.Error("Programming error: %s job started while %s is active", name, old.name)
		old.cancel()
	}
	ctx, cancel := context.WithCancel(m.base)
	j := &job{name: name, cancel: cancel, done: make(chan struct{})}
	*slot = j
	m.jobMu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()

		release := m.acquireWakeLock(name)
		defer release()

		fn(ctx)
	}()
}

func (m *Manager) cancelJobLocked(slot **job) {
	if *slot != nil {
		(*slot).cancel()
		*slot = nil
	}
}

func (m *Manager) fallbackActive() bool {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	return m.fallbackJob != nil && m.fallbackJob.active()
}

func (m *Manager) acquireWakeLock(reason string) func() {
	if m.WakeLock == nil {
		return func() {}
	}
	return m.WakeLock.Acquire(reason, m.WakeLockMax)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
