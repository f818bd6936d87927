package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/vpn"
)

func status(kind vpn.StateKind) control.StatusResponse {
	return control.StatusResponse{State: vpn.State{Kind: kind}}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61*time.Minute + 5*time.Second, "01:01:05"},
		{26*time.Hour + 1500*time.Millisecond, "26:00:02"},
	}
	for _, tt := range tests {
		if got := FormatUptime(tt.d); got != tt.want {
			t.Errorf("FormatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestNotifier(t *testing.T) {
	var sent []Notification
	var replaces []uint32
	n := &Notifier{
		send: func(note Notification, r uint32) (uint32, error) {
			sent = append(sent, note)
			replaces = append(replaces, r)
			return 7, nil
		},
		Log: common.NopLogger{},
	}

	updates := make(chan control.StatusResponse, 8)
	updates <- status(vpn.Disabled)
	updates <- status(vpn.Connecting)
	updates <- control.StatusResponse{State: vpn.State{Kind: vpn.Connected}, Server: "CH#1", Protocol: "WireGuard/UDP"}
	updates <- control.StatusResponse{State: vpn.State{Kind: vpn.Connected}, Server: "CH#1", Protocol: "WireGuard/UDP"}
	updates <- control.StatusResponse{State: vpn.ErrorState(vpn.MaxSessions, true)}
	updates <- status(vpn.Disabled)
	close(updates)

	n.Run(context.Background(), updates)

	if len(sent) != 3 {
		t.Fatalf("sent %d notifications, want 3: %+v", len(sent), sent)
	}
	if sent[0].Title != "VPN Connected" || !strings.Contains(sent[0].Message, "CH#1") {
		t.Errorf("first notification = %+v", sent[0])
	}
	if sent[1].Type != NotificationError || sent[1].urgency() != 2 {
		t.Errorf("second notification = %+v", sent[1])
	}
	if sent[2].Title != "VPN Disconnected" {
		t.Errorf("third notification = %+v", sent[2])
	}
	if replaces[0] != 0 || replaces[1] != 7 {
		t.Errorf("replaces = %v, want [0 7 7]", replaces)
	}
}

func TestNotifier_SendFailure(t *testing.T) {
	n := &Notifier{
		send: func(Notification, uint32) (uint32, error) { return 0, errors.New("no daemon") },
		Log:  common.NopLogger{},
	}
	n.Show(Notification{Title: "x"})
	if n.lastID != 0 {
		t.Errorf("lastID = %d after failure", n.lastID)
	}
}

func TestWatchModel(t *testing.T) {
	updates := make(chan control.StatusResponse)
	m := NewWatchModel(updates, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if !strings.Contains(m.View(), "waiting") {
		t.Errorf("initial view = %q", m.View())
	}

	model, _ := m.Update(statusMsg(control.StatusResponse{
		State:    vpn.State{Kind: vpn.Connected},
		Server:   "CH#1",
		Country:  "CH",
		Protocol: "WireGuard/UDP",
		Endpoint: "10.0.0.1:51820",
	}))
	m = model.(WatchModel)
	now = now.Add(90 * time.Second)

	view := m.View()
	for _, want := range []string{"Connected", "CH#1 (CH)", "10.0.0.1:51820", "00:01:30"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	model, _ = m.Update(statusMsg(control.StatusResponse{State: vpn.ErrorState(vpn.Unreachable, false)}))
	m = model.(WatchModel)
	if len(m.history) != 2 {
		t.Errorf("history = %v", m.history)
	}

	model, cmd := m.Update(streamEndedMsg{err: errors.New("gone")})
	m = model.(WatchModel)
	if cmd == nil || m.Err() == nil {
		t.Fatalf("stream end did not quit with error")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("cmd did not quit")
	}
}

func TestPrintWatch(t *testing.T) {
	updates := make(chan control.StatusResponse, 4)
	updates <- status(vpn.Connecting)
	updates <- status(vpn.Connecting)
	updates <- control.StatusResponse{State: vpn.State{Kind: vpn.Connected}, Server: "CH#1"}
	close(updates)

	var buf bytes.Buffer
	PrintWatch(&buf, updates)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "Connected CH#1") {
		t.Errorf("line = %q", lines[1])
	}
}

func TestStateStyle(t *testing.T) {
	if StateStyle(vpn.State{Kind: vpn.Connected}).GetForeground() != colorConnected {
		t.Error("connected color")
	}
	if StateStyle(vpn.ErrorState(vpn.Generic, true)).GetForeground() != colorError {
		t.Error("error color")
	}
	if StateStyle(vpn.State{Kind: vpn.ScanningPorts}).GetForeground() != colorConnecting {
		t.Error("scanning color")
	}
}
