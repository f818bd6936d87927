// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import "errors"

// Sentinel errors for orchestration operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrNotConnected = errors.New("no active connection")
	ErrTimeout      = errors.New("operation timed out")
	ErrCancelled    = errors.New("operation cancelled")
	ErrNoServer     = errors.New("no server matches the connect intent")

	// Credential and certificate errors.
	ErrCertificateUnavailable = errors.New("certificate unavailable")
	ErrCertificateAPI         = errors.New("certificate issuance failed")
	ErrEncryption             = errors.New("encryption error")
	ErrDecryption             = errors.New("decryption error")
	ErrKeyringUnavailable     = errors.New("keyring unavailable")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
