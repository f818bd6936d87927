package vpn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/protocol"
)

func newTestErrorHandler(account *fakeAccount, dir *fakeDirectory, backends ...Backend) *ErrorHandler {
	h := NewErrorHandler(account, dir, &BackendProvider{Backends: backends, Log: common.NopLogger{}})
	h.Log = common.NopLogger{}
	return h
}

func testParams(server *Server) ConnectionParams {
	return NewConnectionParams(ConnectIntent{Kind: IntentServer, ServerID: server.ID}, server, ProtocolInfo{
		Domain:   server.Domains[0],
		Protocol: protocol.WireGuardUDP,
		EntryIP:  server.Domains[0].EntryIP,
		Port:     443,
	})
}

func TestErrorHandler_DowngradeWhileFreeSwitchesToDefault(t *testing.T) {
	account := newFakeAccount()
	account.user.FreeUser = true
	h := newTestErrorHandler(account, newFakeDirectory(testServer("ch-1", 0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	account.events <- AccountEvent{Kind: PlanDowngraded}

	select {
	case sw := <-h.Switches():
		require.Equal(t, Switch{Kind: SwitchProfile, Reason: ReasonDowngradeToFree, Intent: FastestIntent()}, sw)
	case <-time.After(2 * time.Second):
		t.Fatal("no switch proposed")
	}
}

func TestErrorHandler_PlanChangeReasons(t *testing.T) {
	tests := []struct {
		kind   AccountEventKind
		reason SwitchReason
		want   bool
	}{
		{PlanDowngraded, ReasonPlanDowngraded, true},
		{TrialEnded, ReasonTrialEnded, true},
		{Delinquent, ReasonDelinquent, true},
		{PlanUpgraded, 0, false},
		{CredentialsRefreshed, 0, false},
	}

	h := newTestErrorHandler(newFakeAccount(), newFakeDirectory())
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			sw := h.planChangeSwitch(AccountEvent{Kind: tt.kind})
			if !tt.want {
				require.Nil(t, sw)
				return
			}
			require.NotNil(t, sw)
			require.Equal(t, tt.reason, sw.Reason)
			require.Equal(t, SwitchProfile, sw.Kind)
		})
	}
}

func TestErrorHandler_IgnoresEventsWhileHandlingAuthError(t *testing.T) {
	h := newTestErrorHandler(newFakeAccount(), newFakeDirectory())
	h.handlingAuthError.Store(true)

	h.onAccountEvent(context.Background(), AccountEvent{Kind: Delinquent})
	require.Empty(t, h.switches)

	h.handlingAuthError.Store(false)
	h.Active = func() bool { return false }
	h.onAccountEvent(context.Background(), AccountEvent{Kind: Delinquent})
	require.Empty(t, h.switches)
}

func TestErrorHandler_OnAuthError(t *testing.T) {
	server := testServer("ch-1", 0)

	t.Run("plan change from refresh", func(t *testing.T) {
		account := newFakeAccount()
		account.refresh = AccountRefresh{PlanChange: &AccountEvent{Kind: TrialEnded}}
		h := newTestErrorHandler(account, newFakeDirectory(server))

		res := h.OnAuthError(context.Background(), testParams(server))
		require.NotNil(t, res.Switch)
		require.Equal(t, ReasonTrialEnded, res.Switch.Reason)
		require.False(t, h.handlingAuthError.Load())
	})

	t.Run("credentials refreshed", func(t *testing.T) {
		account := newFakeAccount()
		account.refresh = AccountRefresh{CredentialsRefreshed: true}
		h := newTestErrorHandler(account, newFakeDirectory(server))

		require.Equal(t, Resolution{Retry: true}, h.OnAuthError(context.Background(), testParams(server)))
	})

	t.Run("max sessions", func(t *testing.T) {
		account := newFakeAccount()
		account.user.MaxSessions = 2
		account.sessions = 2
		h := newTestErrorHandler(account, newFakeDirectory(server))

		require.Equal(t, Resolution{Error: MaxSessions}, h.OnAuthError(context.Background(), testParams(server)))
	})

	t.Run("maintenance fallback", func(t *testing.T) {
		other := testServer("ch-2", 0)
		dir := newFakeDirectory(server, other)
		dir.maintenance["ch-1"] = true
		wg := newFakeBackend("wireguard", protocol.WireGuard, "ch-2")
		h := newTestErrorHandler(newFakeAccount(), dir, wg)

		res := h.OnAuthError(context.Background(), testParams(server))
		require.NotNil(t, res.Switch)
		require.Equal(t, SwitchServer, res.Switch.Kind)
		require.Equal(t, ReasonServerInMaintenance, res.Switch.Reason)
		require.Equal(t, "ch-2", res.Switch.Prepared.Params.Server.ID)
	})

	t.Run("auth failed", func(t *testing.T) {
		account := newFakeAccount()
		account.refreshErr = errors.New("offline")
		h := newTestErrorHandler(account, newFakeDirectory(server))

		require.Equal(t, Resolution{Error: AuthFailed}, h.OnAuthError(context.Background(), testParams(server)))
	})
}

func TestErrorHandler_OnUnreachable(t *testing.T) {
	server := testServer("ch-1", 0)
	dir := newFakeDirectory(server, testServer("ch-2", 0), testServer("ch-3", 0))
	wg := newFakeBackend("wireguard", protocol.WireGuard, "ch-3")
	h := newTestErrorHandler(newFakeAccount(), dir, wg)

	res := h.OnUnreachable(context.Background(), testParams(server), protocol.SmartSelection)
	require.NotNil(t, res.Switch)
	require.Equal(t, ReasonServerUnreachable, res.Switch.Reason)
	require.Equal(t, "ch-3", res.Switch.Prepared.Params.Server.ID)

	h = newTestErrorHandler(newFakeAccount(), dir, newFakeBackend("wireguard", protocol.WireGuard))
	require.Equal(t, Resolution{Error: Unreachable}, h.OnUnreachable(context.Background(), testParams(server), protocol.SmartSelection))
}

func TestErrorHandler_OnServerUnavailable(t *testing.T) {
	plus := testServer("plus-1", 2)
	free := testServer("ch-1", 0)
	dir := newFakeDirectory(plus, free)

	account := newFakeAccount()
	account.user.Tier = 0
	wg := newFakeBackend("wireguard", protocol.WireGuard, "ch-1")
	h := newTestErrorHandler(account, dir, wg)

	res := h.OnServerUnavailable(context.Background(), serverIntentFor(plus), plus, protocol.SmartSelection)
	require.NotNil(t, res.Switch)
	require.Equal(t, ReasonNoAccess, res.Switch.Reason)
	require.Equal(t, "ch-1", res.Switch.Prepared.Params.Server.ID)

	empty := newTestErrorHandler(account, newFakeDirectory(), wg)
	res = empty.OnServerUnavailable(context.Background(), FastestIntent(), nil, protocol.SmartSelection)
	require.Equal(t, Resolution{Error: NoProfileFallbackAvailable}, res)
}

func serverIntentFor(s *Server) ConnectIntent {
	return ConnectIntent{Kind: IntentServer, ServerID: s.ID}
}
