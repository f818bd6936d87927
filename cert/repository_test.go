package cert

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIssuer struct {
	mu       sync.Mutex
	gate     chan struct{}
	err      error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	keys     []ed25519.PublicKey
	now      time.Time
}

func (f *fakeIssuer) Issue(ctx context.Context, _ string, pub ed25519.PublicKey) (*Issued, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, pub)
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Issued{
		CertificatePEM: "pem",
		ExpiresAt:      f.now.Add(24 * time.Hour),
		RefreshAt:      f.now.Add(12 * time.Hour),
	}, nil
}

type recordingScheduler struct {
	mu    sync.Mutex
	times []time.Time
}

func (s *recordingScheduler) ScheduleAt(t time.Time) {
	s.mu.Lock()
	s.times = append(s.times, t)
	s.mu.Unlock()
}

func (s *recordingScheduler) scheduled() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestRepository(t *testing.T, issuer Issuer, active string) (*Repository, *recordingScheduler) {
	t.Helper()
	storage := newTestStorage(openStore(t), &fakeSecrets{secret: []byte("secret")}, false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	repo := NewRepository(ctx, storage, issuer, func() string { return active })
	sched := &recordingScheduler{}
	repo.Scheduler = sched
	repo.Clock = &fakeClock{now: testNow}
	repo.Log = common.NopLogger{}
	return repo, sched
}

func TestRepository_CertificateCached(t *testing.T) {
	issuer := &fakeIssuer{now: testNow}
	repo, sched := newTestRepository(t, issuer, "s1")
	ctx := context.Background()

	first, err := repo.Certificate(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "pem", first.CertificatePEM)
	require.Equal(t, []time.Time{testNow.Add(12 * time.Hour)}, sched.scheduled())

	second, err := repo.Certificate(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, second.PublicKey)
	require.EqualValues(t, 1, issuer.calls.Load())
}

func TestRepository_NoRescheduleForInactiveSession(t *testing.T) {
	repo, sched := newTestRepository(t, &fakeIssuer{now: testNow}, "active")
	_, err := repo.Certificate(context.Background(), "other")
	require.NoError(t, err)
	require.Empty(t, sched.scheduled())
}

func TestRepository_OneRequestInFlight(t *testing.T) {
	issuer := &fakeIssuer{now: testNow, gate: make(chan struct{})}
	repo, _ := newTestRepository(t, issuer, "s1")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Info, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = repo.Certificate(ctx, "s1")
			} else {
				results[i], errs[i] = repo.UpdateCertificate(ctx, "s1", false)
			}
		}()
	}

	require.Eventually(t, func() bool { return issuer.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(issuer.gate)
	wg.Wait()

	require.EqualValues(t, 1, issuer.maxSeen.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "pem", results[i].CertificatePEM)
	}
}

func TestRepository_GenerateNewKeySupersedes(t *testing.T) {
	issuer := &fakeIssuer{now: testNow, gate: make(chan struct{})}
	repo, _ := newTestRepository(t, issuer, "s1")
	ctx := context.Background()

	original, err := repo.CertificateWithoutRefresh(ctx, "s1")
	require.NoError(t, err)

	oldDone := make(chan error, 1)
	go func() {
		_, err := repo.UpdateCertificate(ctx, "s1", false)
		oldDone <- err
	}()
	require.Eventually(t, func() bool { return issuer.calls.Load() == 1 }, time.Second, time.Millisecond)

	newDone := make(chan *Info, 1)
	go func() {
		info, err := repo.GenerateNewKey(ctx, "s1")
		if err != nil {
			t.Errorf("GenerateNewKey: %v", err)
		}
		newDone <- info
	}()

	require.ErrorIs(t, <-oldDone, context.Canceled)
	require.Eventually(t, func() bool { return issuer.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(issuer.gate)

	info := <-newDone
	require.NotEqual(t, original.PublicKey, info.PublicKey)
	require.EqualValues(t, 1, issuer.maxSeen.Load())

	stored, err := repo.Storage.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, info.PublicKey, stored.PublicKey)
}

func TestRepository_IssuanceFailure(t *testing.T) {
	repo, _ := newTestRepository(t, &fakeIssuer{now: testNow, err: errors.New("503")}, "s1")
	_, err := repo.Certificate(context.Background(), "s1")
	require.ErrorIs(t, err, common.ErrCertificateAPI)
}

func TestRepository_EnsureCertificate(t *testing.T) {
	issuer := &fakeIssuer{now: testNow}
	repo, _ := newTestRepository(t, issuer, "s1")
	ctx := context.Background()

	require.NoError(t, repo.EnsureCertificate(ctx, "s1"))
	require.EqualValues(t, 1, issuer.calls.Load())

	// An expired certificate is still acceptable for connecting.
	repo.Clock = &fakeClock{now: testNow.Add(48 * time.Hour)}
	require.NoError(t, repo.EnsureCertificate(ctx, "s1"))
	require.EqualValues(t, 1, issuer.calls.Load())

	failing, _ := newTestRepository(t, &fakeIssuer{now: testNow, err: errors.New("down")}, "s2")
	require.ErrorIs(t, failing.EnsureCertificate(ctx, "s2"), common.ErrCertificateUnavailable)
}

func TestRepository_ClearSession(t *testing.T) {
	repo, _ := newTestRepository(t, &fakeIssuer{now: testNow}, "s1")
	ctx := context.Background()
	_, err := repo.Certificate(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, repo.ClearSession(ctx, "s1"))
	info, err := repo.Storage.Load(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestRepository_OnPlanChangedForcesRefresh(t *testing.T) {
	issuer := &fakeIssuer{now: testNow}
	repo, _ := newTestRepository(t, issuer, "s1")
	ctx := context.Background()
	_, err := repo.Certificate(ctx, "s1")
	require.NoError(t, err)

	repo.OnPlanChanged(ctx)
	require.EqualValues(t, 2, issuer.calls.Load())
}

func TestRepository_RunRefreshesOnAccountEvents(t *testing.T) {
	tests := []struct {
		kind    vpn.AccountEventKind
		refresh bool
	}{
		{vpn.PlanUpgraded, true},
		{vpn.PlanDowngraded, true},
		{vpn.TrialEnded, true},
		{vpn.Delinquent, true},
		{vpn.CredentialsRefreshed, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			issuer := &fakeIssuer{now: testNow}
			repo, _ := newTestRepository(t, issuer, "s1")
			ctx := context.Background()
			_, err := repo.Certificate(ctx, "s1")
			require.NoError(t, err)

			events := make(chan vpn.AccountEvent, 1)
			events <- vpn.AccountEvent{Kind: tt.kind}
			close(events)
			repo.Run(ctx, events)

			want := int32(1)
			if tt.refresh {
				want = 2
			}
			require.Equal(t, want, issuer.calls.Load())
		})
	}
}

func TestRepository_RunStopsOnCancel(t *testing.T) {
	repo, _ := newTestRepository(t, &fakeIssuer{now: testNow}, "s1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		repo.Run(ctx, make(chan vpn.AccountEvent))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
