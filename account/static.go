// Package account provides the account collaborator of the orchestrator.
//
// Static serves an account described by the configuration file. Plan
// changes applied through SetPlan are broadcast to every Events subscriber
// and reported once by the next RefreshAccount.
package account

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// subscriberBuffer is how many events a slow subscriber may lag behind.
const subscriberBuffer = 8

// Static is an account whose data comes from configuration.
type Static struct {
	Log common.Logger

	mu       sync.Mutex
	user     vpn.UserData
	sessions int
	pending  *vpn.AccountEvent
	subs     map[chan vpn.AccountEvent]struct{}
}

// NewStatic returns the account described by cfg. An empty session id is
// replaced by a random one.
func NewStatic(cfg config.AccountConfig) *Static {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &Static{
		Log: common.ComponentLogger("account"),
		user: vpn.UserData{
			SessionID:   id,
			Tier:        cfg.Tier,
			FreeUser:    cfg.FreeUser,
			Privileged:  cfg.Privileged,
			MaxSessions: cfg.MaxSessions,
		},
		subs: make(map[chan vpn.AccountEvent]struct{}),
	}
}

// UserData implements vpn.AccountService.
func (s *Static) UserData() vpn.UserData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SessionID returns the current session id.
func (s *Static) SessionID() string {
	return s.UserData().SessionID
}

// Privileged reports whether the account forbids unencrypted storage.
func (s *Static) Privileged() bool {
	return s.UserData().Privileged
}

// Events implements vpn.AccountService.
func (s *Static) Events(ctx context.Context) <-chan vpn.AccountEvent {
	ch := make(chan vpn.AccountEvent, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	})
	return ch
}

// Publish broadcasts ev to every subscriber.
func (s *Static) Publish(ev vpn.AccountEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID == "" {
		ev.SessionID = s.user.SessionID
	}
	s.Log.Info("Account event %s", ev.Kind)
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.Log.Warn("Dropping account event %s for a slow subscriber", ev.Kind)
		}
	}
}

// SetPlan changes the tier and broadcasts the resulting plan change.
func (s *Static) SetPlan(tier int, free bool) {
	s.mu.Lock()
	old := s.user.Tier
	s.user.Tier = tier
	s.user.FreeUser = free
	if tier == old {
		s.mu.Unlock()
		return
	}
	kind := vpn.PlanUpgraded
	if tier < old {
		kind = vpn.PlanDowngraded
	}
	ev := vpn.AccountEvent{Kind: kind, SessionID: s.user.SessionID}
	s.pending = &ev
	s.mu.Unlock()

	s.Publish(ev)
}

// SetSessionCount sets the number of VPN sessions reported for the account.
func (s *Static) SetSessionCount(n int) {
	s.mu.Lock()
	s.sessions = n
	s.mu.Unlock()
}

// RefreshAccount implements vpn.AccountService. A plan change is reported
// by at most one refresh.
func (s *Static) RefreshAccount(ctx context.Context) (vpn.AccountRefresh, error) {
	if err := ctx.Err(); err != nil {
		return vpn.AccountRefresh{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := vpn.AccountRefresh{PlanChange: s.pending}
	s.pending = nil
	return out, nil
}

// SessionCount implements vpn.AccountService.
func (s *Static) SessionCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, nil
}
