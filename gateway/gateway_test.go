package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/lifecycle"
	"github.com/ahmadzakiakmal/custody/session"
)

type stubIdentity struct {
	sess session.Session
	err  error
	sigs int
}

func (s *stubIdentity) Require(context.Context) (session.Session, error) {
	return s.sess, s.err
}

func (s *stubIdentity) Sign(_ context.Context, _ string, _ []byte) (session.Signature, error) {
	s.sigs++
	return session.Signature{PubKey: []byte{1}, Bytes: []byte{2}}, nil
}

type stubNode struct {
	query     abcitypes.QueryResponse
	commit    coretypes.ResultBroadcastTxCommit
	err       error
	lastPath  string
	lastData  []byte
	lastTx    cmttypes.Tx
	broadcast int
}

func (s *stubNode) ABCIQuery(_ context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error) {
	s.lastPath, s.lastData = path, data
	if s.err != nil {
		return nil, s.err
	}
	return &coretypes.ResultABCIQuery{Response: s.query}, nil
}

func (s *stubNode) BroadcastTxCommit(_ context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error) {
	s.broadcast++
	s.lastTx = tx
	if s.err != nil {
		return nil, s.err
	}
	return &s.commit, nil
}

var (
	ledgerAddr = contract.Address("1337")
	account    = contract.Address("alice")
)

func connected() *stubIdentity {
	return &stubIdentity{sess: session.Session{Account: account, NetworkID: "1337", LedgerAddress: ledgerAddr, Connected: true}}
}

func TestFetchDecodesTuple(t *testing.T) {
	node := &stubNode{query: abcitypes.QueryResponse{Value: []byte(`[3,"Box","0xABCDEF0000000000000000000000000000000000",2]`)}}
	g := New(node, connected(), nil)

	asset, err := g.Fetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Asset{ID: 3, Label: "Box", Custodian: "0xabcdef0000000000000000000000000000000000", State: lifecycle.Shipped}, asset)
	assert.Equal(t, contract.QueryPath(ledgerAddr, contract.MethodFetchProduct), node.lastPath)
	assert.Equal(t, "3", string(node.lastData))
}

func TestFetchAcceptsQuotedNumbers(t *testing.T) {
	node := &stubNode{query: abcitypes.QueryResponse{Value: []byte(`["3","Box","0xa","4"]`)}}
	asset, err := New(node, connected(), nil).Fetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Sold, asset.State)
}

func TestFetchRejectsMalformedResponses(t *testing.T) {
	for name, value := range map[string]string{
		"state out of range": `[3,"Box","0xa",5]`,
		"negative state":     `[3,"Box","0xa",-1]`,
		"wrong id":           `[4,"Box","0xa",0]`,
		"short tuple":        `[3,"Box"]`,
		"not json":           `oops`,
		"label not string":   `[3,7,"0xa",0]`,
	} {
		t.Run(name, func(t *testing.T) {
			node := &stubNode{query: abcitypes.QueryResponse{Value: []byte(value)}}
			_, err := New(node, connected(), nil).Fetch(context.Background(), 3)
			assert.ErrorIs(t, err, ErrDecode)
			assert.ErrorIs(t, err, ErrTransportFailure)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, CodeDecode, gwErr.Code)
		})
	}
}

func TestReadRevertAndTransport(t *testing.T) {
	node := &stubNode{query: abcitypes.QueryResponse{Code: 5, Log: "product 9 does not exist"}}
	_, err := New(node, connected(), nil).Fetch(context.Background(), 9)
	assert.ErrorIs(t, err, ErrTransactionRejected)
	assert.Contains(t, err.Error(), "does not exist")

	node = &stubNode{err: errors.New("connection refused")}
	_, err = New(node, connected(), nil).Count(context.Background())
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.NotErrorIs(t, err, ErrTransactionRejected)
}

func TestCount(t *testing.T) {
	node := &stubNode{query: abcitypes.QueryResponse{Value: []byte("12")}}
	n, err := New(node, connected(), nil).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
}

func TestCallsRequireSession(t *testing.T) {
	node := &stubNode{}
	id := &stubIdentity{err: session.ErrGatewayUninitialized}
	g := New(node, id, nil)

	_, err := g.Count(context.Background())
	assert.ErrorIs(t, err, session.ErrGatewayUninitialized)
	_, err = g.MarkForSale(context.Background(), account, 1)
	assert.ErrorIs(t, err, session.ErrGatewayUninitialized)
	assert.Zero(t, node.broadcast)
	assert.Zero(t, id.sigs)

	id.err = errors.New("status: timeout")
	_, err = g.Sell(context.Background(), account, 1)
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestWriteBuildsSignedEnvelope(t *testing.T) {
	node := &stubNode{commit: coretypes.ResultBroadcastTxCommit{
		TxResult: abcitypes.ExecTxResult{GasUsed: 21000},
		Hash:     cmtbytes.HexBytes{0xab},
		Height:   7,
	}}
	g := New(node, connected(), nil)

	receipt, err := g.Ship(context.Background(), account, 4, "0xBOB")
	require.NoError(t, err)
	assert.Equal(t, Receipt{TxHash: "AB", Height: 7, GasUsed: 21000}, receipt)

	tx, err := contract.DecodeTx(node.lastTx)
	require.NoError(t, err)
	assert.Equal(t, contract.MethodShipProduct, tx.Method)
	assert.Equal(t, []string{"4", "0xbob"}, tx.Args)
	assert.Equal(t, account, tx.From)
	assert.Equal(t, ledgerAddr, tx.Contract)
	assert.NotEmpty(t, tx.Nonce)
	assert.Equal(t, []byte{2}, tx.Signature)
}

func TestWriteRefusesChangedAccount(t *testing.T) {
	node := &stubNode{}
	id := connected()
	g := New(node, id, nil)

	_, err := g.MarkForSale(context.Background(), contract.Address("bob"), 1)
	assert.ErrorIs(t, err, session.ErrAccountChanged)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	_, _, err = g.Create(context.Background(), "", "Box")
	assert.ErrorIs(t, err, session.ErrAccountChanged)
	assert.Zero(t, id.sigs)
	assert.Zero(t, node.broadcast)

	// Account comparison ignores case.
	_, err = g.Sell(context.Background(), strings.ToUpper(account), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, node.broadcast)
}

func TestWriteDistinguishesRevertFromTransport(t *testing.T) {
	node := &stubNode{commit: coretypes.ResultBroadcastTxCommit{
		CheckTx: abcitypes.CheckTxResponse{Code: 3, Log: "invalid signature"},
	}}
	_, err := New(node, connected(), nil).Receive(context.Background(), account, 1)
	assert.ErrorIs(t, err, ErrTransactionRejected)

	node = &stubNode{commit: coretypes.ResultBroadcastTxCommit{
		TxResult: abcitypes.ExecTxResult{Code: 5, Log: "Unauthorized"},
		Height:   2,
	}}
	_, err = New(node, connected(), nil).Receive(context.Background(), account, 1)
	assert.ErrorIs(t, err, ErrTransactionRejected)
	assert.Contains(t, err.Error(), "Unauthorized")

	node = &stubNode{err: context.DeadlineExceeded}
	_, err = New(node, connected(), nil).Receive(context.Background(), account, 1)
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestCreateReturnsIdentifier(t *testing.T) {
	node := &stubNode{commit: coretypes.ResultBroadcastTxCommit{TxResult: abcitypes.ExecTxResult{Data: []byte("5")}}}
	id, _, err := New(node, connected(), nil).Create(context.Background(), account, "Box")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)

	node.commit.TxResult.Data = nil
	_, _, err = New(node, connected(), nil).Create(context.Background(), account, "Box")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestReadLimitHonoursCancellation(t *testing.T) {
	node := &stubNode{query: abcitypes.QueryResponse{Value: []byte("1")}}
	g := New(node, connected(), nil, WithReadLimit(0.001, 1))

	_, err := g.Count(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Count(ctx)
	assert.ErrorIs(t, err, ErrTransportFailure)
}
