package cert

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/store"
)

// Record tags.
const (
	tagEncrypted byte = 'E'
	tagPlain     byte = 'P'
)

// secretName is the keyring entry holding the storage secret.
const secretName = "certificate-storage"

// SecretSource provides a stable secret; *keyring.System satisfies it.
type SecretSource interface {
	Secret(name string) ([]byte, error)
}

// Storage persists Info per session id.
type Storage struct {
	Store   *store.Store
	Secrets SecretSource
	// Privileged reports whether the account forbids unencrypted storage.
	Privileged func() bool
	Log        common.Logger

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewStorage returns a Storage.
func NewStorage(st *store.Store, secrets SecretSource, privileged func() bool) *Storage {
	return &Storage{
		Store:      st,
		Secrets:    secrets,
		Privileged: privileged,
		Log:        common.ComponentLogger("cert-storage"),
	}
}

// Save stores info for sessionID. When encryption is unavailable the data
// is stored in plain form, except for privileged accounts.
func (s *Storage) Save(ctx context.Context, sessionID string, info *Info) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}

	record, err := s.seal(data)
	if err != nil {
		if s.privileged() {
			return fmt.Errorf("%w: %v", common.ErrEncryption, err)
		}
		s.Log.Warn("Storing certificate unencrypted: %v", err)
		record = append([]byte{tagPlain}, data...)
	}
	return s.Store.Put(ctx, store.NamespaceCertificates, sessionID, record)
}

// Load returns the stored Info, or nil when there is none. Records that
// cannot be decrypted or decoded are logged and treated as absent.
func (s *Storage) Load(ctx context.Context, sessionID string) (*Info, error) {
	record, err := s.Store.Get(ctx, store.NamespaceCertificates, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		s.Log.Warn("Empty certificate record for session")
		return nil, nil
	}

	var data []byte
	switch record[0] {
	case tagEncrypted:
		data, err = s.open(record[1:])
		if err != nil {
			s.Log.Warn("Cannot decrypt certificate record: %v", err)
			return nil, nil
		}
	case tagPlain:
		if s.privileged() {
			s.Log.Warn("Ignoring unencrypted certificate record of privileged account")
			return nil, nil
		}
		data = record[1:]
	default:
		s.Log.Warn("Unknown certificate record tag %q", record[0])
		return nil, nil
	}

	info, ok := Unmarshal(data)
	if !ok {
		s.Log.Warn("Cannot decode certificate record")
		return nil, nil
	}
	return info, nil
}

// Delete removes the Info of sessionID.
func (s *Storage) Delete(ctx context.Context, sessionID string) error {
	return s.Store.Delete(ctx, store.NamespaceCertificates, sessionID)
}

func (s *Storage) privileged() bool {
	return s.Privileged != nil && s.Privileged()
}

func (s *Storage) cipher() (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead != nil {
		return s.aead, nil
	}
	if s.Secrets == nil {
		return nil, common.ErrKeyringUnavailable
	}

	secret, err := s.Secrets.Secret(secretName)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("vpn-orchestrator certificate storage")), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return aead, nil
}

func (s *Storage) seal(data []byte) ([]byte, error) {
	aead, err := s.cipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append([]byte{tagEncrypted}, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

func (s *Storage) open(sealed []byte) ([]byte, error) {
	aead, err := s.cipher()
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, common.ErrDecryption
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	data, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return data, nil
}
