// Package keyring provides access to secrets held in the system keyring.
// The orchestrator keeps a single random secret there, from which the
// storage encryption key is derived.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "vpn-orchestrator"
	// secretSize is the length of generated secrets in bytes.
	secretSize = 32
)

// Common errors returned by keyring operations.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrUnavailable = fmt.Errorf("keyring service unavailable: %w", common.ErrKeyringUnavailable)
)

// System stores secrets in the desktop keyring (Secret Service, Keychain or
// Windows Credential Manager).
type System struct {
	service string
}

// NewSystem returns a keyring client for the application's service name.
func NewSystem() *System {
	return &System{service: serviceName}
}

// Store saves a value under name.
func (s *System) Store(name, value string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if err := keyring.Set(s.service, name, value); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Get retrieves the value stored under name.
func (s *System) Get(name string) (string, error) {
	if name == "" {
		return "", errors.New("secret name cannot be empty")
	}
	value, err := keyring.Get(s.service, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return value, nil
}

// Delete removes name. Deleting a missing entry is not an error.
func (s *System) Delete(name string) error {
	err := keyring.Delete(s.service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Secret returns the random secret stored under name, generating and
// storing a new one on first use.
func (s *System) Secret(name string) ([]byte, error) {
	encoded, err := s.Get(name)
	switch {
	case err == nil:
		secret, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr == nil && len(secret) == secretSize {
			return secret, nil
		}
		common.LogWarn("Keyring secret %q is malformed, regenerating", name)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := s.Store(name, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return nil, err
	}
	return secret, nil
}
