package cert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/store"
)

type fakeSecrets struct {
	secret []byte
	err    error
}

func (f *fakeSecrets) Secret(string) ([]byte, error) {
	return f.secret, f.err
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestStorage(st *store.Store, secrets SecretSource, privileged bool) *Storage {
	s := NewStorage(st, secrets, func() bool { return privileged })
	s.Log = common.NopLogger{}
	return s
}

func TestStorage_Encrypted(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	s := newTestStorage(st, &fakeSecrets{secret: []byte("0123456789abcdef0123456789abcdef")}, true)

	info, err := GenerateKeys()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "session", info))

	raw, err := st.Get(ctx, store.NamespaceCertificates, "session")
	require.NoError(t, err)
	require.Equal(t, tagEncrypted, raw[0])
	require.NotContains(t, string(raw), "private_key")

	got, err := s.Load(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, info.PrivateKey, got.PrivateKey)
}

func TestStorage_NoData(t *testing.T) {
	s := newTestStorage(openStore(t), &fakeSecrets{secret: []byte("k")}, false)
	got, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStorage_PlainFallback(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	s := newTestStorage(st, &fakeSecrets{err: common.ErrKeyringUnavailable}, false)

	info, err := GenerateKeys()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "session", info))

	raw, err := st.Get(ctx, store.NamespaceCertificates, "session")
	require.NoError(t, err)
	require.Equal(t, tagPlain, raw[0])

	got, err := s.Load(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, info.PublicKey, got.PublicKey)
}

func TestStorage_PrivilegedNeverPlain(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	s := newTestStorage(st, &fakeSecrets{err: common.ErrKeyringUnavailable}, true)

	info, err := GenerateKeys()
	require.NoError(t, err)
	err = s.Save(ctx, "session", info)
	require.True(t, errors.Is(err, common.ErrEncryption))

	_, err = st.Get(ctx, store.NamespaceCertificates, "session")
	require.ErrorIs(t, err, store.ErrNotFound)

	// A plain record written earlier is ignored for privileged accounts.
	data, err := info.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, store.NamespaceCertificates, "session", append([]byte{tagPlain}, data...)))
	got, err := s.Load(ctx, "session")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStorage_UndecryptableIsAbsent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	info, err := GenerateKeys()
	require.NoError(t, err)

	writer := newTestStorage(st, &fakeSecrets{secret: []byte("first secret")}, false)
	require.NoError(t, writer.Save(ctx, "session", info))

	reader := newTestStorage(st, &fakeSecrets{secret: []byte("other secret")}, false)
	got, err := reader.Load(ctx, "session")
	require.NoError(t, err)
	require.Nil(t, got)

	for _, raw := range [][]byte{{}, {'X', 1, 2}, {tagPlain, '{'}, {tagEncrypted, 1}} {
		require.NoError(t, st.Put(ctx, store.NamespaceCertificates, "session", raw))
		got, err := writer.Load(ctx, "session")
		require.NoError(t, err)
		require.Nil(t, got, "record %q", raw)
	}
}
