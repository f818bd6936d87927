// Package vpn provides the VPN connection orchestration engine.
// This file contains the UnreachableTracker, which decides how to react
// when the local agent of a tunnel cannot reach its server.
package vpn

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
)

// UnreachableAction is the tracker's decision for an unreachable report.
type UnreachableAction int

const (
	// ActionSilentReconnect re-establishes the tunnel without escalating.
	ActionSilentReconnect UnreachableAction = iota
	// ActionFallback escalates to a server or protocol fallback.
	ActionFallback
	// ActionError surfaces the error and waits for the next report.
	ActionError
)

// String returns a human-readable representation of the action.
func (a UnreachableAction) String() string {
	switch a {
	case ActionSilentReconnect:
		return "SilentReconnect"
	case ActionFallback:
		return "Fallback"
	case ActionError:
		return "Error"
	default:
		return "Unknown"
	}
}

// UnreachableTracker tracks reachability of the active backend since the
// last connect and turns unreachable reports into actions.
type UnreachableTracker struct {
	mu sync.Mutex

	minInterval time.Duration
	maxInterval time.Duration
	maxJitter   time.Duration
	clock       common.Clock
	jitter      func(max time.Duration) time.Duration

	connected    bool
	baseline     time.Time
	triggerCount int
}

// NewUnreachableTracker returns a tracker using cfg.
func NewUnreachableTracker(cfg config.UnreachableConfig, clock common.Clock) *UnreachableTracker {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &UnreachableTracker{
		minInterval: cfg.MinInterval,
		maxInterval: cfg.MaxInterval,
		maxJitter:   cfg.MaxJitter,
		clock:       clock,
		jitter:      randomJitter,
		baseline:    clock.Now(),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Reset clears all counters. It is called on every fresh connection attempt.
func (t *UnreachableTracker) Reset(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
	t.triggerCount = 0
	t.baseline = t.clock.Now()
}

// OnReachable records that the backend reached its server.
func (t *UnreachableTracker) OnReachable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
}

// OnUnreachable records an unreachable report and returns the action.
func (t *UnreachableTracker) OnUnreachable() UnreachableAction {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.connected {
		t.connected = false
		t.baseline = now
		return ActionSilentReconnect
	}

	if now.Sub(t.baseline) >= t.interval()+t.jitter(t.maxJitter) {
		t.triggerCount++
		t.baseline = now
		return ActionFallback
	}
	return ActionError
}

// OnNetworkChanged gives the connection a fresh window without forgiving
// past escalations.
func (t *UnreachableTracker) OnNetworkChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseline = t.clock.Now()
}

// TriggerCount returns how many fallbacks were triggered since Reset.
func (t *UnreachableTracker) TriggerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggerCount
}

// NextInterval returns the escalation threshold without jitter.
func (t *UnreachableTracker) NextInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval()
}

// interval is min(maxInterval, (1+triggerCount)² × minInterval).
func (t *UnreachableTracker) interval() time.Duration {
	n := time.Duration(1 + t.triggerCount)
	return min(t.maxInterval, n*n*t.minInterval)
}
