package vpn

import (
	"encoding/json"
	"testing"
)

func TestStateKind_String(t *testing.T) {
	tests := []struct {
		kind     StateKind
		expected string
	}{
		{Disabled, "Disabled"},
		{ScanningPorts, "ScanningPorts"},
		{Connected, "Connected"},
		{Error, "Error"},
		{StateKind(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("StateKind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorType_Classification(t *testing.T) {
	recoverable := map[ErrorType]bool{
		AuthFailedInternal:     true,
		LookupFailedInternal:   true,
		UnreachableInternal:    true,
		PolicyViolationLowPlan: true,
		ServerError:            true,
	}

	for e := ErrorNone; e <= Generic; e++ {
		if got := e.IsRecoverable(); got != recoverable[e] {
			t.Errorf("%s.IsRecoverable() = %v, want %v", e, got, recoverable[e])
		}
		if e.IsInternal() && e.UserFacing() == e {
			t.Errorf("%s is internal but has no user-facing form", e)
		}
		if e.UserFacing().IsInternal() {
			t.Errorf("%s.UserFacing() = %s is still internal", e, e.UserFacing())
		}
	}
}

func TestErrorType_UserFacing(t *testing.T) {
	tests := []struct {
		in, want ErrorType
	}{
		{UnreachableInternal, Unreachable},
		{AuthFailedInternal, AuthFailed},
		{LookupFailedInternal, LookupFailed},
		{MaxSessions, MaxSessions},
	}
	for _, tt := range tests {
		if got := tt.in.UserFacing(); got != tt.want {
			t.Errorf("%s.UserFacing() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := ErrorState(MaxSessions, true).String(); got != "Error(MAX_SESSIONS, final)" {
		t.Errorf("String() = %q", got)
	}
	if got := ErrorState(Unreachable, false).String(); got != "Error(UNREACHABLE)" {
		t.Errorf("String() = %q", got)
	}
	if !StateOf(Reconnecting).IsEstablishingOrConnected() || StateOf(Disconnecting).IsEstablishingOrConnected() {
		t.Error("IsEstablishingOrConnected misclassifies states")
	}
}

func TestState_JSON(t *testing.T) {
	for _, st := range []State{StateOf(Connected), ErrorState(MaxSessions, true), ErrorState(Unreachable, false)} {
		data, err := json.Marshal(st)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", st, err)
		}
		var got State
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if got != st {
			t.Errorf("round trip of %s = %s", st, got)
		}
	}

	var k StateKind
	if err := k.UnmarshalText([]byte("Bogus")); err == nil {
		t.Error("UnmarshalText(Bogus) should fail")
	}
}
