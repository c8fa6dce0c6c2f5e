// Package gateway is the typed RPC boundary to the SupplyChain ledger
// deployment. It holds no policy: every call is checked against the session
// and then forwarded, and failures are classified as reverts or transport
// problems.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/lifecycle"
	"github.com/ahmadzakiakmal/custody/session"
)

// NodeClient is the subset of the CometBFT RPC client the gateway uses. The
// HTTP client, the local client and app.LocalClient all satisfy it.
type NodeClient interface {
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error)
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error)
}

// Identity is what the gateway needs from the session manager.
type Identity interface {
	Require(ctx context.Context) (session.Session, error)
	Sign(ctx context.Context, account string, payload []byte) (session.Signature, error)
}

// Receipt describes a confirmed write.
type Receipt struct {
	TxHash  string `json:"tx_hash"`
	Height  int64  `json:"height"`
	GasUsed int64  `json:"gas_used"`
}

// Gateway exposes one method per ledger capability.
type Gateway struct {
	client   NodeClient
	identity Identity
	limiter  *rate.Limiter
	logger   cmtlog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithReadLimit throttles read calls to rps with the given burst. A
// non-positive rps disables throttling.
func WithReadLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a gateway over client. identity is consulted before every
// call.
func New(client NodeClient, identity Identity, logger cmtlog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	g := &Gateway{
		client:   client,
		identity: identity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create registers a new product labelled label on behalf of from and
// returns the ledger-assigned identifier.
func (g *Gateway) Create(ctx context.Context, from, label string) (uint64, Receipt, error) {
	receipt, data, err := g.write(ctx, from, contract.MethodCreateProduct, label)
	if err != nil {
		return 0, Receipt{}, err
	}
	id, err := decodeUint(data)
	if err != nil || id == 0 {
		return 0, receipt, decodeFailure(contract.MethodCreateProduct, "identifier %q: %v", data, err)
	}
	return id, receipt, nil
}

// Fetch reads one product record.
func (g *Gateway) Fetch(ctx context.Context, id uint64) (lifecycle.Asset, error) {
	value, err := g.query(ctx, contract.MethodFetchProduct, []byte(strconv.FormatUint(id, 10)))
	if err != nil {
		return lifecycle.Asset{}, err
	}
	return decodeProduct(id, value)
}

// Count reads the number of products ever created.
func (g *Gateway) Count(ctx context.Context) (uint64, error) {
	value, err := g.query(ctx, contract.MethodProductCounter, nil)
	if err != nil {
		return 0, err
	}
	n, err := decodeUint(value)
	if err != nil {
		return 0, decodeFailure(contract.MethodProductCounter, "counter %q: %v", value, err)
	}
	return n, nil
}

// Fees reads the total fee charged to account by the ledger.
func (g *Gateway) Fees(ctx context.Context, account string) (uint64, error) {
	value, err := g.query(ctx, contract.MethodFees, []byte(strings.ToLower(account)))
	if err != nil {
		return 0, err
	}
	n, err := decodeUint(value)
	if err != nil {
		return 0, decodeFailure(contract.MethodFees, "fees %q: %v", value, err)
	}
	return n, nil
}

// MarkForSale and the other transition writes are sent as from, which must
// still be the active session account when the call is signed.
func (g *Gateway) MarkForSale(ctx context.Context, from string, id uint64) (Receipt, error) {
	receipt, _, err := g.write(ctx, from, contract.MethodMarkForSale, strconv.FormatUint(id, 10))
	return receipt, err
}

func (g *Gateway) Ship(ctx context.Context, from string, id uint64, recipient string) (Receipt, error) {
	receipt, _, err := g.write(ctx, from, contract.MethodShipProduct, strconv.FormatUint(id, 10), strings.ToLower(recipient))
	return receipt, err
}

func (g *Gateway) Receive(ctx context.Context, from string, id uint64) (Receipt, error) {
	receipt, _, err := g.write(ctx, from, contract.MethodReceiveProduct, strconv.FormatUint(id, 10))
	return receipt, err
}

func (g *Gateway) Sell(ctx context.Context, from string, id uint64) (Receipt, error) {
	receipt, _, err := g.write(ctx, from, contract.MethodSellProduct, strconv.FormatUint(id, 10))
	return receipt, err
}

// write signs and broadcasts one call and waits for its inclusion. Nothing
// is signed unless from is the active account.
func (g *Gateway) write(ctx context.Context, from, method string, args ...string) (Receipt, []byte, error) {
	sess, err := g.identity.Require(ctx)
	if err != nil {
		return Receipt{}, nil, sessionError(method, err)
	}
	if !lifecycle.SameAccount(from, sess.Account) {
		return Receipt{}, nil, fmt.Errorf("%s: %w: submitted as %q, active account is %q",
			method, session.ErrAccountChanged, from, sess.Account)
	}

	tx := &contract.Tx{
		Contract: sess.LedgerAddress,
		Method:   method,
		Args:     args,
		From:     sess.Account,
		Nonce:    uuid.NewString(),
	}
	sig, err := g.identity.Sign(ctx, sess.Account, tx.SignBytes())
	if err != nil {
		return Receipt{}, nil, sessionError(method, err)
	}
	tx.PubKey = sig.PubKey
	tx.Signature = sig.Bytes

	raw, err := tx.Encode()
	if err != nil {
		return Receipt{}, nil, fmt.Errorf("encode %s: %w", method, err)
	}

	g.logger.Debug("Broadcasting ledger call", "method", method, "from", sess.Account, "nonce", tx.Nonce)
	result, err := g.client.BroadcastTxCommit(ctx, raw)
	if err != nil {
		g.logger.Error("Ledger call failed in transport", "method", method, "err", err)
		return Receipt{}, nil, transport(method, err)
	}
	if result.CheckTx.Code != 0 {
		g.logger.Info("Ledger rejected call", "method", method, "code", result.CheckTx.Code, "log", result.CheckTx.Log)
		return Receipt{}, nil, rejected(method, result.CheckTx.Log)
	}

	receipt := Receipt{
		TxHash:  result.Hash.String(),
		Height:  result.Height,
		GasUsed: result.TxResult.GasUsed,
	}
	if result.TxResult.Code != 0 {
		g.logger.Info("Ledger reverted call", "method", method, "code", result.TxResult.Code, "log", result.TxResult.Log, "tx", receipt.TxHash)
		return receipt, nil, rejected(method, result.TxResult.Log)
	}
	return receipt, result.TxResult.Data, nil
}

func (g *Gateway) query(ctx context.Context, method string, data []byte) ([]byte, error) {
	sess, err := g.identity.Require(ctx)
	if err != nil {
		return nil, sessionError(method, err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, transport(method, err)
		}
	}

	result, err := g.client.ABCIQuery(ctx, contract.QueryPath(sess.LedgerAddress, method), data)
	if err != nil {
		return nil, transport(method, err)
	}
	if result.Response.Code != 0 {
		return nil, rejected(method, result.Response.Log)
	}
	return result.Response.Value, nil
}

// decodeProduct maps the positional fetchProduct tuple onto a typed record.
func decodeProduct(want uint64, value []byte) (lifecycle.Asset, error) {
	const method = contract.MethodFetchProduct

	var tuple contract.ProductTuple
	if err := json.Unmarshal(value, &tuple); err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "tuple: %v", err)
	}

	id, err := decodeUint(tuple[0])
	if err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "identifier: %v", err)
	}
	if id != want {
		return lifecycle.Asset{}, decodeFailure(method, "asked for %d, ledger returned %d", want, id)
	}

	var label, custodian string
	if err := json.Unmarshal(tuple[1], &label); err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "label: %v", err)
	}
	if err := json.Unmarshal(tuple[2], &custodian); err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "custodian: %v", err)
	}

	var rawState json.Number
	if err := json.Unmarshal(tuple[3], &rawState); err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "state: %v", err)
	}
	n, err := rawState.Int64()
	if err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "state: %v", err)
	}
	state, err := lifecycle.ParseState(n)
	if err != nil {
		return lifecycle.Asset{}, decodeFailure(method, "%v", err)
	}

	return lifecycle.Asset{
		ID:        id,
		Label:     label,
		Custodian: strings.ToLower(custodian),
		State:     state,
	}, nil
}

// decodeUint accepts a JSON number or a quoted decimal string.
func decodeUint(raw []byte) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return strconv.ParseUint(n.String(), 10, 64)
}
