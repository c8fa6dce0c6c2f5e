package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/ahmadzakiakmal/custody/contract"
)

type fakeNetwork struct {
	mu  sync.Mutex
	id  string
	err error
}

func (f *fakeNetwork) NetworkID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.err
}

func (f *fakeNetwork) set(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func newKeyring(t *testing.T, approve Approver) *Keyring {
	t.Helper()
	k, err := NewKeyring(DevMnemonic, 3, approve)
	require.NoError(t, err)
	return k
}

func deployments() map[string]string {
	return map[string]string{"1337": contract.Address("1337")}
}

func TestCurrentBeforeConnectIsEmpty(t *testing.T) {
	m := NewManager(newKeyring(t, nil), &fakeNetwork{id: "1337"}, deployments(), nil)
	assert.Equal(t, Session{}, m.Current())

	_, err := m.Require(context.Background())
	assert.ErrorIs(t, err, ErrGatewayUninitialized)
}

func TestConnect(t *testing.T) {
	k := newKeyring(t, nil)
	m := NewManager(k, &fakeNetwork{id: "1337"}, deployments(), nil)

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Connected)
	assert.Equal(t, k.Accounts()[0], sess.Account)
	assert.Equal(t, "1337", sess.NetworkID)
	assert.Equal(t, contract.Address("1337"), sess.LedgerAddress)
	assert.Equal(t, sess, m.Current())
	assert.Len(t, m.Accounts(), 3)
}

func TestConnectWithoutWallet(t *testing.T) {
	m := NewManager(nil, &fakeNetwork{id: "1337"}, deployments(), nil)
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrWalletUnavailable)
	assert.False(t, m.Current().Connected)
}

func TestConnectLockedWallet(t *testing.T) {
	k := newKeyring(t, nil)
	k.Lock()
	m := NewManager(k, &fakeNetwork{id: "1337"}, deployments(), nil)
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrWalletUnavailable)

	k.Unlock()
	_, err = m.Connect(context.Background())
	assert.NoError(t, err)
}

func TestConnectRejected(t *testing.T) {
	k := newKeyring(t, func(context.Context, []string) bool { return false })
	m := NewManager(k, &fakeNetwork{id: "1337"}, deployments(), nil)
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionRejected)
	assert.False(t, m.Current().Connected)
}

func TestConnectUnknownNetwork(t *testing.T) {
	m := NewManager(newKeyring(t, nil), &fakeNetwork{id: "5"}, deployments(), nil)
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNetworkMismatch)
	assert.Contains(t, err.Error(), "1337 -> ")
	assert.False(t, m.Current().Connected)
}

func TestConnectNetworkReadFailure(t *testing.T) {
	boom := errors.New("dial tcp: refused")
	m := NewManager(newKeyring(t, nil), &fakeNetwork{err: boom}, deployments(), nil)
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Current().Connected)
}

func TestVerifyNetwork(t *testing.T) {
	m := NewManager(newKeyring(t, nil), &fakeNetwork{id: "1337"}, deployments(), nil)
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.VerifyNetwork(map[string]string{"1337": "0xABC"}))
	assert.Equal(t, "0xabc", m.Current().LedgerAddress)

	err = m.VerifyNetwork(map[string]string{"1": "0xabc"})
	assert.ErrorIs(t, err, ErrNetworkMismatch)
	assert.False(t, m.Current().Connected, "mismatch must tear the session down")
}

func TestRequireDetectsNetworkSwitch(t *testing.T) {
	network := &fakeNetwork{id: "1337"}
	m := NewManager(newKeyring(t, nil), network, deployments(), nil)
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	sess, err := m.Require(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Connected)

	network.set("1")
	_, err = m.Require(context.Background())
	assert.ErrorIs(t, err, ErrNetworkMismatch)
	assert.False(t, m.Current().Connected)

	network.set("1337")
	_, err = m.Require(context.Background())
	assert.ErrorIs(t, err, ErrGatewayUninitialized, "reconnect is required after a mismatch")
}

func TestUseAccount(t *testing.T) {
	k := newKeyring(t, nil)
	m := NewManager(k, &fakeNetwork{id: "1337"}, deployments(), nil)

	_, err := m.UseAccount(k.Accounts()[1])
	assert.ErrorIs(t, err, ErrGatewayUninitialized)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	sess, err := m.UseAccount(k.Accounts()[1])
	require.NoError(t, err)
	assert.Equal(t, k.Accounts()[1], sess.Account)

	_, err = m.UseAccount(contract.Address("other"))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSignVerifies(t *testing.T) {
	k := newKeyring(t, nil)
	m := NewManager(k, &fakeNetwork{id: "1337"}, deployments(), nil)

	_, err := m.Sign(context.Background(), k.Accounts()[0], []byte("x"))
	assert.ErrorIs(t, err, ErrGatewayUninitialized)

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)

	account := sess.Account
	sig, err := m.Sign(context.Background(), account, []byte("payload"))
	require.NoError(t, err)
	pub := ed25519.PubKey(sig.PubKey)
	assert.True(t, pub.VerifySignature([]byte("payload"), sig.Bytes))
	assert.Equal(t, account, contract.AccountFromAddress(pub.Address()))

	_, err = m.Sign(context.Background(), contract.Address("other"), []byte("payload"))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestKeyringIsDeterministic(t *testing.T) {
	a, err := NewKeyring(DevMnemonic, 2, nil)
	require.NoError(t, err)
	b, err := NewKeyring(DevMnemonic, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Accounts(), b.Accounts())
	assert.NotEqual(t, a.Accounts()[0], a.Accounts()[1])
	for _, acct := range a.Accounts() {
		assert.True(t, contract.ValidAccount(acct), acct)
	}

	_, err = NewKeyring("not a mnemonic", 1, nil)
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
	_, err = NewKeyring(DevMnemonic, 0, nil)
	assert.Error(t, err)
}

func TestDeriveKeyUsesIndexScopedHKDF(t *testing.T) {
	seed := bip39.NewSeed(DevMnemonic, "")

	reader := hkdf.New(sha256.New, seed, nil, []byte("custody/account/1"))
	secret := make([]byte, 32)
	_, err := io.ReadFull(reader, secret)
	require.NoError(t, err)

	key, err := deriveKey(seed, 1)
	require.NoError(t, err)
	assert.Equal(t, ed25519.GenPrivKeyFromSecret(secret), key)

	first, err := deriveKey(seed, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, key)

	// Adding accounts never changes the ones already derived.
	one, err := NewKeyring(DevMnemonic, 1, nil)
	require.NoError(t, err)
	three, err := NewKeyring(DevMnemonic, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, one.Accounts()[0], three.Accounts()[0])
	assert.Equal(t, contract.AccountFromAddress(first.PubKey().Address()), one.Accounts()[0])
}
