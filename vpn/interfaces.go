// Package vpn provides the VPN connection orchestration engine.
// This file contains the interfaces of the engine's external collaborators.
package vpn

import (
	"context"
	"time"
)

// AccountEventKind is the kind of an account or plan change.
type AccountEventKind int

const (
	PlanDowngraded AccountEventKind = iota
	PlanUpgraded
	TrialEnded
	Delinquent
	CredentialsRefreshed
)

// String returns a human-readable representation of the event kind.
func (k AccountEventKind) String() string {
	switch k {
	case PlanDowngraded:
		return "PlanDowngraded"
	case PlanUpgraded:
		return "PlanUpgraded"
	case TrialEnded:
		return "TrialEnded"
	case Delinquent:
		return "Delinquent"
	case CredentialsRefreshed:
		return "CredentialsRefreshed"
	default:
		return "Unknown"
	}
}

// AccountEvent is a discrete account change.
type AccountEvent struct {
	Kind      AccountEventKind
	SessionID string
}

// UserData describes the signed-in account.
type UserData struct {
	SessionID string
	Tier      int
	FreeUser  bool
	// Privileged accounts (organisations, extra security) never store
	// secrets unencrypted.
	Privileged  bool
	MaxSessions int
}

// AccountRefresh is the outcome of refreshing account information.
type AccountRefresh struct {
	// PlanChange is set when the refresh revealed a plan change.
	PlanChange *AccountEvent
	// CredentialsRefreshed is set when new VPN credentials were fetched.
	CredentialsRefreshed bool
}

// AccountService provides account and plan information.
type AccountService interface {
	UserData() UserData
	// Events yields account changes until ctx is done.
	Events(ctx context.Context) <-chan AccountEvent
	RefreshAccount(ctx context.Context) (AccountRefresh, error)
	// SessionCount returns the number of active VPN sessions of the account.
	SessionCount(ctx context.Context) (int, error)
}

// ServerDirectory resolves intents to servers.
type ServerDirectory interface {
	// Resolve returns the best server for intent, or common.ErrNoServer.
	Resolve(intent ConnectIntent) (*Server, error)
	// DefaultIntent is the profile used for account-driven fallbacks.
	DefaultIntent() ConnectIntent
	// FallbackCandidates returns servers to try instead of exclude, best
	// first, limited to those tier can access.
	FallbackCandidates(intent ConnectIntent, exclude *Server, tier, limit int) []Candidate
	// InMaintenance reports whether the server is under maintenance.
	InMaintenance(serverID string) bool
}

// CertificateSource makes sure a client certificate is available.
type CertificateSource interface {
	// EnsureCertificate returns nil once a certificate, possibly expired,
	// is stored for the session.
	EnsureCertificate(ctx context.Context, sessionID string) error
}

// PermissionRequester asks the platform for permission to create tunnels.
type PermissionRequester interface {
	// PrepareConnectPermission returns nil when tunnels may be created.
	PrepareConnectPermission() error
}

// WakeLock keeps the host awake while a job runs.
type WakeLock interface {
	// Acquire takes the lock for at most max. The returned func releases it
	// and is safe to call more than once.
	Acquire(reason string, max time.Duration) (release func())
}

// NetworkMonitor reports physical network availability.
type NetworkMonitor interface {
	HasNetwork() bool
	// Changes yields a value each time connectivity changes until ctx is done.
	Changes(ctx context.Context) <-chan bool
}

// ParamsStore persists the params of the current connection.
type ParamsStore interface {
	SaveParams(ctx context.Context, params ConnectionParams) error
	LoadParams(ctx context.Context) (ConnectionParams, bool, error)
	ClearParams(ctx context.Context) error
}
