package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/ahmadzakiakmal/custody/contract"
)

// Signature is a detached signature plus the public key that verifies it.
type Signature struct {
	PubKey []byte
	Bytes  []byte
}

// Wallet is the external signing agent. RequestAccounts is the interactive
// authorization step; it returns ErrConnectionRejected when the user
// declines.
type Wallet interface {
	RequestAccounts(ctx context.Context) ([]string, error)
	Sign(ctx context.Context, account string, payload []byte) (Signature, error)
}

// Approver decides the authorization prompt. Nil approves everything.
type Approver func(ctx context.Context, accounts []string) bool

// DevMnemonic is the well-known development mnemonic. Never fund it.
const DevMnemonic = "myth like bonus scare over problem client lizard pioneer submit female collect"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Keyring is a development wallet holding deterministic ed25519 accounts
// derived from a BIP-39 mnemonic.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PrivKey
	order   []string
	approve Approver
	locked  bool
}

// NewKeyring derives count accounts from mnemonic.
func NewKeyring(mnemonic string, count int, approve Approver) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if count <= 0 {
		return nil, fmt.Errorf("account count must be positive, got %d", count)
	}

	seed := bip39.NewSeed(mnemonic, "")
	k := &Keyring{
		keys:    make(map[string]ed25519.PrivKey, count),
		approve: approve,
	}
	for i := 0; i < count; i++ {
		key, err := deriveKey(seed, uint32(i))
		if err != nil {
			return nil, err
		}
		account := contract.AccountFromAddress(key.PubKey().Address())
		k.keys[account] = key
		k.order = append(k.order, account)
	}
	return k, nil
}

// deriveKey expands the BIP-39 seed into the secret for account index. The
// index is bound into the HKDF info so every account gets an independent key.
func deriveKey(seed []byte, index uint32) (ed25519.PrivKey, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("custody/account/%d", index)))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("derive account %d: %w", index, err)
	}
	return ed25519.GenPrivKeyFromSecret(secret), nil
}

// Accounts lists the derived accounts in derivation order.
func (k *Keyring) Accounts() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]string(nil), k.order...)
}

// Lock makes the keyring unreachable, as a closed wallet extension would be.
func (k *Keyring) Lock() {
	k.mu.Lock()
	k.locked = true
	k.mu.Unlock()
}

// Unlock reverses Lock.
func (k *Keyring) Unlock() {
	k.mu.Lock()
	k.locked = false
	k.mu.Unlock()
}

func (k *Keyring) RequestAccounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	locked := k.locked
	accounts := append([]string(nil), k.order...)
	k.mu.RUnlock()

	if locked {
		return nil, ErrWalletUnavailable
	}
	if k.approve != nil && !k.approve(ctx, accounts) {
		return nil, ErrConnectionRejected
	}
	return accounts, nil
}

func (k *Keyring) Sign(_ context.Context, account string, payload []byte) (Signature, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.locked {
		return Signature{}, ErrWalletUnavailable
	}
	key, ok := k.keys[strings.ToLower(account)]
	if !ok {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	return Signature{PubKey: key.PubKey().Bytes(), Bytes: sig}, nil
}
