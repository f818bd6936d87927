package keyring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestSystem_StoreGetDelete(t *testing.T) {
	keyring.MockInit()
	s := NewSystem()

	if err := s.Store("profile", "secret"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := s.Get("profile")
	if err != nil || got != "secret" {
		t.Fatalf("Get() = %q, %v, want secret", got, err)
	}
	if err := s.Delete("profile"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("profile"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete("profile"); err != nil {
		t.Errorf("Delete() of missing entry error = %v", err)
	}
}

func TestSystem_SecretIsStable(t *testing.T) {
	keyring.MockInit()
	s := NewSystem()

	first, err := s.Secret("storage-key")
	if err != nil {
		t.Fatalf("Secret() error = %v", err)
	}
	if len(first) != secretSize {
		t.Fatalf("len(Secret()) = %d, want %d", len(first), secretSize)
	}

	second, err := s.Secret("storage-key")
	if err != nil {
		t.Fatalf("Secret() second call error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Secret() should return the stored secret on later calls")
	}
}

func TestSystem_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: no session bus"))
	s := NewSystem()

	if _, err := s.Secret("storage-key"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Secret() error = %v, want ErrUnavailable", err)
	}
}

func TestSystem_EmptyName(t *testing.T) {
	keyring.MockInit()
	s := NewSystem()

	if err := s.Store("", "x"); err == nil {
		t.Error("Store() with empty name should fail")
	}
	if _, err := s.Get(""); err == nil {
		t.Error("Get() with empty name should fail")
	}
}
