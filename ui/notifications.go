package ui

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "network-vpn-error"
	default:
		return "network-vpn"
	}
}

// urgency follows the freedesktop hint values: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

const (
	notifyService = "org.freedesktop.Notifications"
	notifyPath    = "/org/freedesktop/Notifications"
	notifyMethod  = "org.freedesktop.Notifications.Notify"
)

// Notifier posts connection events as desktop notifications. Consecutive
// notifications replace each other so only the latest state is shown.
type Notifier struct {
	send func(n Notification, replaces uint32) (uint32, error)
	Log  common.Logger

	lastID uint32
	last   vpn.State
	seen   bool
}

// NewNotifier connects to the notification daemon on the session bus.
func NewNotifier() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	obj := conn.Object(notifyService, notifyPath)
	return &Notifier{
		send: func(n Notification, replaces uint32) (uint32, error) {
			hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(n.urgency())}
			var id uint32
			err := obj.Call(notifyMethod, 0,
				common.AppName, replaces, n.icon(), n.Title, n.Message,
				[]string{}, hints, int32(-1)).Store(&id)
			return id, err
		},
		Log: common.ComponentLogger("notify"),
	}, nil
}

// Show displays a notification, logging failures.
func (n *Notifier) Show(note Notification) {
	id, err := n.send(note, n.lastID)
	if err != nil {
		n.Log.Warn("Error showing notification: %v", err)
		return
	}
	n.lastID = id
}

// Run notifies about state changes until updates closes or ctx is done.
func (n *Notifier) Run(ctx context.Context, updates <-chan control.StatusResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			n.handle(s)
		}
	}
}

func (n *Notifier) handle(s control.StatusResponse) {
	prev, seen := n.last, n.seen
	n.last, n.seen = s.State, true
	if seen && prev == s.State {
		return
	}
	if note, ok := notificationFor(prev, s); ok && seen {
		n.Show(note)
	}
}

// notificationFor decides which transitions are worth interrupting the
// user for. Intermediate states are skipped.
func notificationFor(prev vpn.State, s control.StatusResponse) (Notification, bool) {
	switch s.State.Kind {
	case vpn.Connected:
		if prev.Kind == vpn.Connected {
			return Notification{}, false
		}
		return Notification{
			Title:   "VPN Connected",
			Message: fmt.Sprintf("Connected to %s via %s", s.Server, s.Protocol),
			Type:    NotificationSuccess,
		}, true
	case vpn.Disabled:
		if prev.Kind == vpn.Disabled {
			return Notification{}, false
		}
		return Notification{
			Title:   "VPN Disconnected",
			Message: "The VPN connection was closed",
			Type:    NotificationInfo,
			Icon:    "network-vpn-disconnected",
		}, true
	case vpn.Error:
		if !s.State.Final {
			return Notification{
				Title:   "VPN Connection Problem",
				Message: fmt.Sprintf("%s, trying to recover", s.State.Error),
				Type:    NotificationWarning,
			}, true
		}
		return Notification{
			Title:   "Connection Error",
			Message: s.State.Error.String(),
			Type:    NotificationError,
		}, true
	}
	return Notification{}, false
}
