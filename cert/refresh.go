package cert

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// RefreshTask refreshes the active session's certificate. Each run is
// idempotent and always arranges the next one.
type RefreshTask struct {
	Repo       *Repository
	Scheduler  Scheduler
	RetryDelay time.Duration
	Clock      common.Clock
	Log        common.Logger
}

// NewRefreshTask returns a RefreshTask scheduling through s.
func NewRefreshTask(repo *Repository, s Scheduler, retryDelay time.Duration) *RefreshTask {
	return &RefreshTask{
		Repo:       repo,
		Scheduler:  s,
		RetryDelay: retryDelay,
		Clock:      common.SystemClock{},
		Log:        common.ComponentLogger("cert-refresh"),
	}
}

// Run refreshes the certificate if it is due.
func (t *RefreshTask) Run(ctx context.Context) {
	now := t.Clock.Now()
	id := t.Repo.active()
	if id == "" {
		t.Log.Debug("No active session, checking again in %s", t.RetryDelay)
		t.Scheduler.ScheduleAt(now.Add(t.RetryDelay))
		return
	}

	info, err := t.Repo.Storage.Load(ctx, id)
	if err == nil && info.HasCertificate() && now.Before(info.RefreshAt) {
		t.Scheduler.ScheduleAt(info.RefreshAt)
		return
	}

	info, err = t.Repo.UpdateCertificate(ctx, id, false)
	if err != nil {
		t.Log.Warn("Certificate refresh failed, retrying in %s: %v", t.RetryDelay, err)
		t.Scheduler.ScheduleAt(now.Add(t.RetryDelay))
		return
	}
	// Issuance reschedules through the repository's scheduler.
	if t.Repo.Scheduler == nil || t.Repo.active() != id {
		t.Scheduler.ScheduleAt(nextRefresh(info, now, t.RetryDelay))
	}
}

// TimerScheduler runs a task at the most recently scheduled time. Only the
// latest schedule is kept.
type TimerScheduler struct {
	mu    sync.Mutex
	ctx   context.Context
	task  func(context.Context)
	timer *time.Timer
	when  time.Time
}

// NewTimerScheduler returns a scheduler running task within ctx.
func NewTimerScheduler(ctx context.Context, task func(context.Context)) *TimerScheduler {
	s := &TimerScheduler{ctx: ctx, task: task}
	context.AfterFunc(ctx, s.Stop)
	return s
}

// SetTask replaces the task. It exists because the refresh task and its
// scheduler refer to each other.
func (s *TimerScheduler) SetTask(task func(context.Context)) {
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
}

// ScheduleAt replaces any pending run with one at t.
func (s *TimerScheduler) ScheduleAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.when = t
	s.timer = time.AfterFunc(time.Until(t), func() {
		s.mu.Lock()
		task := s.task
		s.mu.Unlock()
		if task != nil && s.ctx.Err() == nil {
			task(s.ctx)
		}
	})
}

// Next returns the pending run time, zero if none.
func (s *TimerScheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.when
}

// Stop cancels the pending run.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.when = time.Time{}
}
