// Package cert manages per-session client keys and certificates.
//
// A session owns one [Info]: an Ed25519 key pair, the X25519 key derived
// from it for WireGuard, and the certificate issued for the public key.
// [Storage] persists it (encrypted when the keyring allows), [Repository]
// issues and refreshes certificates with at most one request in flight per
// session, and [RefreshTask] keeps the certificate fresh in the background.
package cert

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"time"

	"golang.org/x/crypto/curve25519"
)

// Info is the key material and certificate of one session.
type Info struct {
	PrivateKey ed25519.PrivateKey `json:"private_key"`
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	// X25519Key is the WireGuard private key derived from PrivateKey.
	X25519Key      []byte    `json:"x25519_key"`
	ExpiresAt      time.Time `json:"expires_at"`
	RefreshAt      time.Time `json:"refresh_at"`
	CertificatePEM string    `json:"certificate_pem,omitempty"`
}

// GenerateKeys returns a new Info without a certificate.
func GenerateKeys() (*Info, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Info{
		PrivateKey: priv,
		PublicKey:  pub,
		X25519Key:  x25519FromSeed(priv.Seed()),
	}, nil
}

// x25519FromSeed derives the Curve25519 scalar that corresponds to an
// Ed25519 seed, clamped as X25519 requires.
func x25519FromSeed(seed []byte) []byte {
	h := sha512.Sum512(seed)
	key := make([]byte, curve25519.ScalarSize)
	copy(key, h[:curve25519.ScalarSize])
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key
}

// X25519PublicKey returns the public half of X25519Key.
func (i *Info) X25519PublicKey() ([]byte, error) {
	return curve25519.X25519(i.X25519Key, curve25519.Basepoint)
}

// HasCertificate reports whether a certificate was issued, expired or not.
func (i *Info) HasCertificate() bool {
	return i != nil && i.CertificatePEM != ""
}

// Valid reports whether the certificate is usable at now.
func (i *Info) Valid(now time.Time) bool {
	return i.HasCertificate() && now.Before(i.ExpiresAt)
}

// WithCertificate returns a copy of i carrying a newly issued certificate.
func (i *Info) WithCertificate(pem string, expiresAt, refreshAt time.Time) *Info {
	next := *i
	next.CertificatePEM = pem
	next.ExpiresAt = expiresAt
	next.RefreshAt = refreshAt
	return &next
}

// Marshal serialises i.
func (i *Info) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// Unmarshal parses data produced by Marshal. Corrupt or incomplete data
// yields ok == false, never a panic.
func Unmarshal(data []byte) (info *Info, ok bool) {
	var out Info
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	if len(out.PrivateKey) != ed25519.PrivateKeySize || len(out.PublicKey) != ed25519.PublicKeySize || len(out.X25519Key) != curve25519.ScalarSize {
		return nil, false
	}
	return &out, true
}
