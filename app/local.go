package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// LocalClient drives an Application in-process, committing one transaction
// per block. It answers the same calls as a node's RPC client.
type LocalClient struct {
	app *Application

	mu     sync.Mutex
	height int64
}

// NewLocalClient wraps app. The block height resumes from the stored state.
func NewLocalClient(app *Application) (*LocalClient, error) {
	info, err := app.Info(context.Background(), &abcitypes.InfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("read ledger info: %w", err)
	}
	if app.ChainID() == "" {
		return nil, fmt.Errorf("ledger has no chain id")
	}
	return &LocalClient{app: app, height: info.LastBlockHeight}, nil
}

// NetworkID reports the chain id of the embedded ledger.
func (c *LocalClient) NetworkID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.app.ChainID(), nil
}

func (c *LocalClient) ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.app.Query(ctx, &abcitypes.QueryRequest{Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return &coretypes.ResultABCIQuery{Response: *resp}, nil
}

// BroadcastTxCommit runs CheckTx and, if admitted, a full
// FinalizeBlock/Commit round for tx.
func (c *LocalClient) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTxCommit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	check, err := c.app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: tx, Type: abcitypes.CHECK_TX_TYPE_CHECK})
	if err != nil {
		return nil, err
	}
	result := &coretypes.ResultBroadcastTxCommit{
		CheckTx: *check,
		Hash:    tx.Hash(),
	}
	if check.Code != CodeOK {
		return result, nil
	}

	height := c.height + 1
	block, err := c.app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{
		Txs:    [][]byte{tx},
		Height: height,
		Time:   time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("finalize block %d: %w", height, err)
	}
	if _, err := c.app.Commit(ctx, &abcitypes.CommitRequest{}); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", height, err)
	}
	c.height = height

	result.TxResult = *block.TxResults[0]
	result.Height = height
	return result, nil
}

// Height is the last committed block height.
func (c *LocalClient) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// ABCIInfo reports the application's last committed height and app hash.
func (c *LocalClient) ABCIInfo(ctx context.Context) (*coretypes.ResultABCIInfo, error) {
	info, err := c.app.Info(ctx, &abcitypes.InfoRequest{})
	if err != nil {
		return nil, err
	}
	return &coretypes.ResultABCIInfo{Response: *info}, nil
}
