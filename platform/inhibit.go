package platform

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
)

// logind D-Bus names.
const (
	logindService = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	logindInhibit = "org.freedesktop.login1.Manager.Inhibit"
)

// SleepInhibitor implements vpn.WakeLock with logind "delay" sleep locks.
// The lock is held as long as the returned file descriptor stays open.
type SleepInhibitor struct {
	inhibit func(reason string) (io.Closer, error)
	Log     common.Logger
}

// NewSleepInhibitor connects to logind on the system bus.
func NewSleepInhibitor() (*SleepInhibitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	obj := conn.Object(logindService, logindPath)
	return &SleepInhibitor{
		inhibit: func(reason string) (io.Closer, error) {
			var fd dbus.UnixFD
			if err := obj.Call(logindInhibit, 0, "sleep", common.AppName, reason, "delay").Store(&fd); err != nil {
				return nil, err
			}
			return os.NewFile(uintptr(fd), "inhibit"), nil
		},
		Log: common.ComponentLogger("inhibit"),
	}, nil
}

// Acquire implements vpn.WakeLock. Failing to take the lock is logged and
// the job runs without it.
func (s *SleepInhibitor) Acquire(reason string, max time.Duration) func() {
	lock, err := s.inhibit(reason)
	if err != nil {
		s.Log.Warn("Cannot inhibit sleep: %v", err)
		return func() {}
	}
	s.Log.Debug("Sleep inhibited: %s", reason)

	var (
		once  sync.Once
		mu    sync.Mutex
		timer *time.Timer
	)
	release := func() {
		once.Do(func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			if err := lock.Close(); err != nil {
				s.Log.Warn("Cannot release sleep lock: %v", err)
			}
			s.Log.Debug("Sleep lock released: %s", reason)
		})
	}
	mu.Lock()
	timer = time.AfterFunc(max, func() {
		s.Log.Warn("Sleep lock for %q held longer than %s, releasing", reason, max)
		release()
	})
	mu.Unlock()
	return release
}

// NoWakeLock is used when logind is not available.
type NoWakeLock struct{}

// Acquire implements vpn.WakeLock.
func (NoWakeLock) Acquire(string, time.Duration) func() { return func() {} }
