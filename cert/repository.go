package cert

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Issued is a certificate returned by the issuance API.
type Issued struct {
	CertificatePEM string
	ExpiresAt      time.Time
	RefreshAt      time.Time
}

// Issuer requests a certificate for a public key.
type Issuer interface {
	Issue(ctx context.Context, sessionID string, publicKey ed25519.PublicKey) (*Issued, error)
}

// Scheduler arranges a future certificate refresh.
type Scheduler interface {
	ScheduleAt(t time.Time)
}

// request is the memoized issuance for one session. Joiners wait on done.
type request struct {
	cancel context.CancelFunc
	done   chan struct{}
	info   *Info
	err    error
}

// Repository issues, caches and refreshes session certificates. At most one
// issuance request per session is in flight at any time.
type Repository struct {
	Storage   *Storage
	Issuer    Issuer
	Scheduler Scheduler
	// ActiveSession returns the currently signed-in session id.
	ActiveSession func() string
	// RetryDelay is the earliest next refresh when the API returns a
	// refresh time that has already passed.
	RetryDelay time.Duration
	Clock      common.Clock
	Log        common.Logger

	base     context.Context
	mu       sync.Mutex
	inflight map[string]*request
}

// NewRepository returns a Repository. Issuance requests outlive the
// callers that start them and are bounded by ctx.
func NewRepository(ctx context.Context, storage *Storage, issuer Issuer, active func() string) *Repository {
	return &Repository{
		Storage:       storage,
		Issuer:        issuer,
		ActiveSession: active,
		RetryDelay:    common.CertificateRetryDelay,
		Clock:         common.SystemClock{},
		Log:           common.ComponentLogger("cert"),
		base:          ctx,
		inflight:      make(map[string]*request),
	}
}

// Certificate returns a valid certificate for sessionID, issuing one if the
// cached certificate is missing or expired.
func (r *Repository) Certificate(ctx context.Context, sessionID string) (*Info, error) {
	info, err := r.Storage.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info.Valid(r.Clock.Now()) {
		return info, nil
	}
	return r.wait(ctx, r.start(sessionID, false, false))
}

// CertificateWithoutRefresh returns whatever is stored for sessionID, even
// an expired certificate. Missing keys are generated and stored.
func (r *Repository) CertificateWithoutRefresh(ctx context.Context, sessionID string) (*Info, error) {
	info, err := r.Storage.Load(ctx, sessionID)
	if err != nil || info != nil {
		return info, err
	}
	info, err = GenerateKeys()
	if err != nil {
		return nil, err
	}
	if err := r.Storage.Save(ctx, sessionID, info); err != nil {
		return nil, err
	}
	return info, nil
}

// UpdateCertificate forces issuance of a new certificate for the existing
// key. With cancelOngoing an in-flight request is superseded, otherwise it
// is joined.
func (r *Repository) UpdateCertificate(ctx context.Context, sessionID string, cancelOngoing bool) (*Info, error) {
	return r.wait(ctx, r.start(sessionID, false, cancelOngoing))
}

// GenerateNewKey replaces the session key and issues a certificate for it,
// superseding any in-flight request.
func (r *Repository) GenerateNewKey(ctx context.Context, sessionID string) (*Info, error) {
	return r.wait(ctx, r.start(sessionID, true, true))
}

// ClearSession cancels pending issuance and removes stored data.
func (r *Repository) ClearSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	prev := r.inflight[sessionID]
	delete(r.inflight, sessionID)
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.Storage.Delete(ctx, sessionID)
}

// OnPlanChanged forces a certificate refresh for the active session so the
// new plan's features take effect.
func (r *Repository) OnPlanChanged(ctx context.Context) {
	id := r.active()
	if id == "" {
		return
	}
	if _, err := r.UpdateCertificate(ctx, id, true); err != nil {
		r.Log.Warn("Certificate refresh after plan change failed: %v", err)
	}
}

// Run forces a refresh for every account event that changes what the
// certificate grants, until events closes or ctx ends.
func (r *Repository) Run(ctx context.Context, events <-chan vpn.AccountEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if forcesRefresh(ev.Kind) {
				r.Log.Debug("Account event %s, refreshing certificate", ev.Kind)
				r.OnPlanChanged(ctx)
			}
		}
	}
}

// forcesRefresh reports whether kind changes the features or validity
// carried by the certificate.
func forcesRefresh(kind vpn.AccountEventKind) bool {
	switch kind {
	case vpn.PlanUpgraded, vpn.PlanDowngraded, vpn.TrialEnded, vpn.Delinquent:
		return true
	}
	return false
}

// EnsureCertificate makes sure sessionID has a certificate, possibly
// expired. Backends that need one call it before connecting.
func (r *Repository) EnsureCertificate(ctx context.Context, sessionID string) error {
	info, err := r.CertificateWithoutRefresh(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCertificateUnavailable, err)
	}
	if info.HasCertificate() {
		return nil
	}
	if _, err := r.Certificate(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCertificateUnavailable, err)
	}
	return nil
}

// nextRefresh is info's refresh time, or now+delay if that time has passed.
func nextRefresh(info *Info, now time.Time, delay time.Duration) time.Time {
	if info.RefreshAt.After(now) {
		return info.RefreshAt
	}
	return now.Add(delay)
}

func (r *Repository) active() string {
	if r.ActiveSession == nil {
		return ""
	}
	return r.ActiveSession()
}

// start returns the request that will produce the session's next
// certificate. A superseding request waits for its predecessor to finish
// so that requests never overlap.
func (r *Repository) start(sessionID string, newKey, supersede bool) *request {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.inflight[sessionID]
	if prev != nil {
		if !supersede {
			return prev
		}
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(r.base)
	req := &request{cancel: cancel, done: make(chan struct{})}
	r.inflight[sessionID] = req

	go func() {
		defer close(req.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		req.info, req.err = r.issue(ctx, sessionID, newKey)

		r.mu.Lock()
		if r.inflight[sessionID] == req {
			delete(r.inflight, sessionID)
		}
		r.mu.Unlock()
	}()
	return req
}

func (r *Repository) wait(ctx context.Context, req *request) (*Info, error) {
	select {
	case <-req.done:
		return req.info, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Repository) issue(ctx context.Context, sessionID string, newKey bool) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var info *Info
	var err error
	if !newKey {
		if info, err = r.Storage.Load(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	if info == nil {
		if info, err = GenerateKeys(); err != nil {
			return nil, err
		}
	}

	issued, err := r.Issuer.Issue(ctx, sessionID, info.PublicKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.Log.Warn("Certificate issuance failed: %v", err)
		return nil, fmt.Errorf("%w: %v", common.ErrCertificateAPI, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := info.WithCertificate(issued.CertificatePEM, issued.ExpiresAt, issued.RefreshAt)
	if err := r.Storage.Save(ctx, sessionID, next); err != nil {
		return nil, err
	}
	r.Log.Info("Certificate issued, expires %s", next.ExpiresAt.Format(time.RFC3339))

	if r.Scheduler != nil && r.active() == sessionID {
		r.Scheduler.ScheduleAt(nextRefresh(next, r.Clock.Now(), r.RetryDelay))
	}
	return next, nil
}
