// Package vpn provides the VPN connection orchestration engine.
// This file contains the ErrorHandler, which maps account, plan and server
// events to fallback decisions.
package vpn

import (
	"context"
	"sync/atomic"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/protocol"
)

// maxFallbackCandidates bounds how many servers a fallback probes.
const maxFallbackCandidates = 8

// SwitchReason tags why a fallback was proposed.
type SwitchReason int

const (
	ReasonDowngradeToFree SwitchReason = iota
	ReasonPlanDowngraded
	ReasonTrialEnded
	ReasonDelinquent
	ReasonServerInMaintenance
	ReasonServerUnavailable
	ReasonServerUnreachable
	ReasonNoAccess
)

// String returns a human-readable representation of the reason.
func (r SwitchReason) String() string {
	switch r {
	case ReasonDowngradeToFree:
		return "DowngradeToFree"
	case ReasonPlanDowngraded:
		return "PlanDowngraded"
	case ReasonTrialEnded:
		return "TrialEnded"
	case ReasonDelinquent:
		return "Delinquent"
	case ReasonServerInMaintenance:
		return "ServerInMaintenance"
	case ReasonServerUnavailable:
		return "ServerUnavailable"
	case ReasonServerUnreachable:
		return "ServerUnreachable"
	case ReasonNoAccess:
		return "NoAccess"
	default:
		return "Unknown"
	}
}

// SwitchKind distinguishes profile switches from server switches.
type SwitchKind int

const (
	// SwitchProfile connects to a different intent from scratch.
	SwitchProfile SwitchKind = iota
	// SwitchServer connects to an already prepared server.
	SwitchServer
)

// Switch is a proposed fallback.
type Switch struct {
	Kind   SwitchKind
	Reason SwitchReason
	Intent ConnectIntent
	// Prepared is set for SwitchServer.
	Prepared *PrepareResult
}

// Resolution is the handler's answer to an error. At most one field is set;
// the zero value means "nothing to do".
type Resolution struct {
	Switch *Switch
	// Retry asks for a reconnect with the same params.
	Retry bool
	// Error is a terminal error to surface.
	Error ErrorType
}

// ErrorHandler decides how to recover from account and connection errors.
type ErrorHandler struct {
	Account  AccountService
	Servers  ServerDirectory
	Provider *BackendProvider
	// Active reports whether a connection is being established or is up.
	// Account-driven switches are proposed only then; nil means always.
	Active func() bool
	Log    common.Logger

	switches          chan Switch
	handlingAuthError atomic.Bool
}

// NewErrorHandler returns a handler.
func NewErrorHandler(account AccountService, servers ServerDirectory, provider *BackendProvider) *ErrorHandler {
	return &ErrorHandler{
		Account:  account,
		Servers:  servers,
		Provider: provider,
		Log:      common.ComponentLogger("errors"),
		switches: make(chan Switch, 1),
	}
}

// Switches yields account-driven fallbacks.
func (h *ErrorHandler) Switches() <-chan Switch {
	return h.switches
}

// Run consumes account events until ctx is done.
func (h *ErrorHandler) Run(ctx context.Context) error {
	events := h.Account.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.onAccountEvent(ctx, ev)
		}
	}
}

func (h *ErrorHandler) onAccountEvent(ctx context.Context, ev AccountEvent) {
	// While an auth error is handled, its own account refresh reports
	// plan changes; the event stream must not propose a second switch.
	if h.handlingAuthError.Load() {
		h.Log.Debug("Ignoring %s while handling auth error", ev.Kind)
		return
	}
	if h.Active != nil && !h.Active() {
		return
	}

	sw := h.planChangeSwitch(ev)
	if sw == nil {
		return
	}
	h.Log.Info("Account event %s, switching to %s (%s)", ev.Kind, sw.Intent, sw.Reason)

	select {
	case h.switches <- *sw:
	case <-ctx.Done():
	}
}

// planChangeSwitch returns the profile switch for a plan change, or nil.
func (h *ErrorHandler) planChangeSwitch(ev AccountEvent) *Switch {
	var reason SwitchReason
	switch ev.Kind {
	case PlanDowngraded:
		reason = ReasonPlanDowngraded
		if h.Account.UserData().FreeUser {
			reason = ReasonDowngradeToFree
		}
	case TrialEnded:
		reason = ReasonTrialEnded
	case Delinquent:
		reason = ReasonDelinquent
	default:
		return nil
	}
	return &Switch{Kind: SwitchProfile, Reason: reason, Intent: h.Servers.DefaultIntent()}
}

// OnAuthError handles an authentication failure of params.
func (h *ErrorHandler) OnAuthError(ctx context.Context, params ConnectionParams) Resolution {
	h.handlingAuthError.Store(true)
	defer h.handlingAuthError.Store(false)

	refresh, err := h.Account.RefreshAccount(ctx)
	if err != nil {
		h.Log.Warn("Account refresh failed: %v", err)
	} else {
		if refresh.PlanChange != nil {
			if sw := h.planChangeSwitch(*refresh.PlanChange); sw != nil {
				return Resolution{Switch: sw}
			}
		}
		if refresh.CredentialsRefreshed {
			h.Log.Info("Credentials refreshed, retrying %s", params.Intent)
			return Resolution{Retry: true}
		}
	}

	user := h.Account.UserData()
	if user.MaxSessions > 0 {
		count, err := h.Account.SessionCount(ctx)
		if err != nil {
			h.Log.Warn("Session count unavailable: %v", err)
		} else if count >= user.MaxSessions {
			return Resolution{Error: MaxSessions}
		}
	}

	if h.Servers.InMaintenance(params.Server.ID) {
		if sw := h.fallback(ctx, params.Intent, &params.Server, params.Protocol, ReasonServerInMaintenance); sw != nil {
			return Resolution{Switch: sw}
		}
	}
	return Resolution{Error: AuthFailed}
}

// OnUnreachable looks for another live server after params became unreachable.
func (h *ErrorHandler) OnUnreachable(ctx context.Context, params ConnectionParams, sel protocol.Selection) Resolution {
	if sw := h.fallback(ctx, params.Intent, &params.Server, sel, ReasonServerUnreachable); sw != nil {
		return Resolution{Switch: sw}
	}
	return Resolution{Error: Unreachable}
}

// OnServerUnavailable handles an intent that resolved to no usable server.
// server is nil when nothing matched.
func (h *ErrorHandler) OnServerUnavailable(ctx context.Context, intent ConnectIntent, server *Server, sel protocol.Selection) Resolution {
	reason := ReasonServerUnavailable
	if server != nil {
		switch {
		case server.Tier > h.Account.UserData().Tier:
			reason = ReasonNoAccess
		case server.Maintenance || h.Servers.InMaintenance(server.ID):
			reason = ReasonServerInMaintenance
		}
	}
	if sw := h.fallback(ctx, intent, server, sel, reason); sw != nil {
		return Resolution{Switch: sw}
	}
	return Resolution{Error: NoProfileFallbackAvailable}
}

func (h *ErrorHandler) fallback(ctx context.Context, intent ConnectIntent, exclude *Server, sel protocol.Selection, reason SwitchReason) *Switch {
	candidates := h.Servers.FallbackCandidates(intent, exclude, h.Account.UserData().Tier, maxFallbackCandidates)
	found := h.Provider.PingAll(ctx, sel, candidates, false)
	if found == nil {
		h.Log.Warn("No fallback for %s (%s)", intent, reason)
		return nil
	}
	h.Log.Info("Fallback for %s: %s (%s)", intent, found.Candidate.Server.Name, reason)
	return &Switch{
		Kind:     SwitchServer,
		Reason:   reason,
		Intent:   found.Candidate.Intent,
		Prepared: &found.Results[0],
	}
}
