// Package session owns the connected identity: the active account, the
// network the ledger node reports, and the deployment address resolved for
// that network.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

var (
	ErrWalletUnavailable    = errors.New("wallet unavailable")
	ErrConnectionRejected   = errors.New("connection rejected")
	ErrNetworkMismatch      = errors.New("network mismatch")
	ErrGatewayUninitialized = errors.New("gateway used before a session was established")
	ErrUnknownAccount       = errors.New("account not authorized by wallet")
	ErrAccountChanged       = errors.New("active account changed")
)

// Session is the connected identity. The zero value is the unconnected
// session.
type Session struct {
	Account       string `json:"account"`
	NetworkID     string `json:"network_id"`
	LedgerAddress string `json:"ledger_address,omitempty"`
	Connected     bool   `json:"connected"`
}

// NetworkReader reports the identifier of the network the ledger node is on.
type NetworkReader interface {
	NetworkID(ctx context.Context) (string, error)
}

// Manager establishes and tears down sessions. It is constructed once and
// handed to the gateway; there is no package-level session.
type Manager struct {
	wallet      Wallet
	network     NetworkReader
	deployments map[string]string
	logger      cmtlog.Logger

	mu       sync.RWMutex
	current  Session
	accounts []string
}

// NewManager creates a manager. deployments maps network identifiers to the
// ledger address of the contract on that network.
func NewManager(wallet Wallet, network NetworkReader, deployments map[string]string, logger cmtlog.Logger) *Manager {
	deps := make(map[string]string, len(deployments))
	for id, addr := range deployments {
		deps[id] = strings.ToLower(addr)
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Manager{
		wallet:      wallet,
		network:     network,
		deployments: deps,
		logger:      logger,
	}
}

// Connect runs the wallet authorization step, reads the active network and
// resolves its deployment. Any failure leaves the manager unconnected.
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	if m.wallet == nil {
		return Session{}, ErrWalletUnavailable
	}

	accounts, err := m.wallet.RequestAccounts(ctx)
	if err != nil {
		m.Disconnect()
		if errors.Is(err, ErrConnectionRejected) || errors.Is(err, ErrWalletUnavailable) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	if len(accounts) == 0 {
		m.Disconnect()
		return Session{}, fmt.Errorf("%w: wallet returned no accounts", ErrConnectionRejected)
	}

	if m.network == nil {
		return Session{}, fmt.Errorf("%w: no ledger network configured", ErrWalletUnavailable)
	}
	networkID, err := m.network.NetworkID(ctx)
	if err != nil {
		m.Disconnect()
		return Session{}, fmt.Errorf("read network id: %w", err)
	}

	address, ok := m.deployments[networkID]
	if !ok {
		m.Disconnect()
		return Session{}, m.mismatch(networkID)
	}

	sess := Session{
		Account:       strings.ToLower(accounts[0]),
		NetworkID:     networkID,
		LedgerAddress: address,
		Connected:     true,
	}

	m.mu.Lock()
	m.current = sess
	m.accounts = lowerAll(accounts)
	m.mu.Unlock()

	m.logger.Info("Session connected", "account", sess.Account, "network", networkID, "ledger", address)
	return sess, nil
}

// Current returns the active session, or the zero Session. It never
// attempts a connection.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Accounts returns the accounts the wallet authorized on connect.
func (m *Manager) Accounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.accounts...)
}

// Disconnect returns the manager to the unconnected state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.current.Connected
	m.current = Session{}
	m.accounts = nil
	m.mu.Unlock()
	if wasConnected {
		m.logger.Info("Session disconnected")
	}
}

// UseAccount switches the active account to another authorized account.
func (m *Manager) UseAccount(account string) (Session, error) {
	account = strings.ToLower(strings.TrimSpace(account))

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.Connected {
		return Session{}, ErrGatewayUninitialized
	}
	for _, a := range m.accounts {
		if a == account {
			m.current.Account = account
			return m.current, nil
		}
	}
	return Session{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
}

// VerifyNetwork checks the active network against expected. A mismatch
// tears the session down so the caller must reconnect.
func (m *Manager) VerifyNetwork(expected map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.Connected {
		return fmt.Errorf("%w: no active network", ErrNetworkMismatch)
	}
	address, ok := expected[m.current.NetworkID]
	if !ok {
		networkID := m.current.NetworkID
		m.current = Session{}
		m.accounts = nil
		m.logger.Error("Network has no known deployment", "network", networkID)
		return fmt.Errorf("%w: network %s", ErrNetworkMismatch, networkID)
	}
	m.current.LedgerAddress = strings.ToLower(address)
	return nil
}

// Require is the check run before every ledger call. It re-reads the live
// network so a switched node invalidates the session instead of silently
// talking to the wrong deployment.
func (m *Manager) Require(ctx context.Context) (Session, error) {
	sess := m.Current()
	if !sess.Connected {
		return Session{}, ErrGatewayUninitialized
	}

	networkID, err := m.network.NetworkID(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("read network id: %w", err)
	}
	if networkID != sess.NetworkID {
		m.Disconnect()
		return Session{}, fmt.Errorf("%w: session on %s, node now on %s", ErrNetworkMismatch, sess.NetworkID, networkID)
	}
	if err := m.VerifyNetwork(m.deployments); err != nil {
		return Session{}, err
	}
	return m.Current(), nil
}

// Sign signs payload as account, which must be one of the accounts the
// wallet authorized for the current session.
func (m *Manager) Sign(ctx context.Context, account string, payload []byte) (Signature, error) {
	account = strings.ToLower(account)

	m.mu.RLock()
	connected := m.current.Connected
	authorized := false
	for _, a := range m.accounts {
		if a == account {
			authorized = true
			break
		}
	}
	m.mu.RUnlock()

	if !connected {
		return Signature{}, ErrGatewayUninitialized
	}
	if !authorized {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return m.wallet.Sign(ctx, account, payload)
}

func (m *Manager) mismatch(networkID string) error {
	ids := make([]string, 0, len(m.deployments))
	for id, addr := range m.deployments {
		ids = append(ids, id+" -> "+addr)
	}
	sort.Strings(ids)
	m.logger.Error("Contract not deployed on network", "network", networkID, "deployed", strings.Join(ids, ", "))
	return fmt.Errorf("%w: contract not deployed on network %s (deployed: %s)", ErrNetworkMismatch, networkID, strings.Join(ids, ", "))
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
