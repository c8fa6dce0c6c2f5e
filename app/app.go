package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/crypto/ed25519"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/ahmadzakiakmal/custody/contract"
)

// Result codes returned in CheckTx, ExecTxResult and Query responses.
const (
	CodeOK uint32 = iota
	CodeDecode
	CodeWrongContract
	CodeBadSignature
	CodeUnknownMethod
	CodeRevert
	CodeReplay
	CodeStorage
)

// DefaultGasPerTx is the flat fee charged for every executed transaction.
const DefaultGasPerTx int64 = 21000

var (
	keyLastHeight  = []byte("last_block_height")
	keyLastAppHash = []byte("last_block_app_hash")
	keyChainID     = []byte("chain_id")
)

// Application is the reference SupplyChain ledger. It implements the ABCI
// interface on top of badger and enforces the custody rules authoritatively.
type Application struct {
	abcitypes.BaseApplication

	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger

	idMu    sync.RWMutex
	chainID string
	address string
}

// AppConfig contains configuration for the application
type AppConfig struct {
	// ChainID is the network identifier. The contract address is derived from it.
	ChainID  string
	GasPerTx int64
}

// NewABCIApplication creates a new application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	if config == nil {
		config = &AppConfig{}
	}
	if config.GasPerTx <= 0 {
		config.GasPerTx = DefaultGasPerTx
	}
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	app := &Application{
		badgerDB: badgerDB,
		config:   config,
		logger:   logger,
	}

	chainID := config.ChainID
	if chainID == "" {
		chainID = app.storedChainID()
	}
	app.setChainID(chainID)
	return app
}

// ContractAddress is the address the SupplyChain deployment answers on.
func (app *Application) ContractAddress() string {
	app.idMu.RLock()
	defer app.idMu.RUnlock()
	return app.address
}

// ChainID is the network identifier the application was initialized with.
func (app *Application) ChainID() string {
	app.idMu.RLock()
	defer app.idMu.RUnlock()
	return app.chainID
}

func (app *Application) setChainID(id string) {
	app.idMu.Lock()
	defer app.idMu.Unlock()
	app.chainID = id
	if id != "" {
		app.address = contract.Address(id)
	}
}

func (app *Application) storedChainID() string {
	var id string
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChainID)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		log.Printf("Error reading chain id: %v", err)
	}
	return id
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, _ *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastHeight)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get(keyLastAppHash)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			lastBlockAppHash, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Printf("Error getting last block info: %v", err)
	}

	return &abcitypes.InfoResponse{
		Data:             contract.Name,
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// InitChain records the chain id so the deployment address survives restarts.
func (app *Application) InitChain(_ context.Context, req *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	if req.ChainId == "" {
		return &abcitypes.InitChainResponse{}, nil
	}
	if current := app.ChainID(); current != "" && current != req.ChainId {
		app.logger.Info("Chain id from genesis overrides configured id", "configured", current, "genesis", req.ChainId)
	}
	app.setChainID(req.ChainId)

	err := app.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(keyChainID, []byte(req.ChainId))
	})
	if err != nil {
		return nil, fmt.Errorf("store chain id: %w", err)
	}
	app.logger.Info("Ledger initialized", "chain", req.ChainId, "contract", app.ContractAddress())
	return &abcitypes.InitChainResponse{}, nil
}

// Query serves the read methods at /<contract>/<method>.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	address, method, ok := contract.SplitQueryPath(req.Path)
	if !ok {
		return &abcitypes.QueryResponse{Code: CodeUnknownMethod, Log: fmt.Sprintf("malformed query path %q", req.Path)}, nil
	}
	if !strings.EqualFold(address, app.ContractAddress()) {
		return &abcitypes.QueryResponse{Code: CodeWrongContract, Log: fmt.Sprintf("no contract at %s", address)}, nil
	}

	resp := abcitypes.QueryResponse{Key: req.Data}
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		value, code, reason, err := query(txn, method, req.Data)
		if err != nil {
			return err
		}
		resp.Code = code
		resp.Log = reason
		resp.Value = value
		return nil
	})

	if dbErr != nil {
		log.Printf("Error reading database, unable to execute query: %v", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeStorage,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}
	return &resp, nil
}

// CheckTx admits only well-formed, correctly signed calls to this deployment.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	_, code, reason := app.verify(check.Tx)
	if code != CodeOK {
		app.logger.Debug("CheckTx rejected", "code", code, "reason", reason)
	}
	return &abcitypes.CheckTxResponse{Code: code, Log: reason}, nil
}

// verify decodes raw and checks the envelope against this deployment.
func (app *Application) verify(raw []byte) (*contract.Tx, uint32, string) {
	tx, err := contract.DecodeTx(raw)
	if err != nil {
		return nil, CodeDecode, err.Error()
	}
	if address := app.ContractAddress(); address == "" || !strings.EqualFold(tx.Contract, address) {
		return nil, CodeWrongContract, fmt.Sprintf("no contract at %s", tx.Contract)
	}
	if len(tx.PubKey) != ed25519.PubKeySize {
		return nil, CodeBadSignature, "missing or malformed public key"
	}
	pub := ed25519.PubKey(tx.PubKey)
	if !strings.EqualFold(contract.AccountFromAddress(pub.Address()), tx.From) {
		return nil, CodeBadSignature, "sender does not match signing key"
	}
	if !pub.VerifySignature(tx.SignBytes(), tx.Signature) {
		return nil, CodeBadSignature, "invalid signature"
	}
	return tx, CodeOK, ""
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal rejects blocks carrying transactions CheckTx would refuse.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		if _, code, reason := app.verify(txBytes); code != CodeOK {
			app.logger.Info("Voted invalid", "height", proposal.Height, "reason", reason)
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock executes the block's calls inside one badger transaction
// that Commit persists.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		txResults[i] = app.deliver(txBytes)
	}

	appHash := calculateAppHash(app.lastAppHash(), txResults)

	err := app.onGoingBlock.Set(keyLastHeight, int64ToBytes(req.Height))
	if err != nil {
		log.Printf("Error storing block height: %v", err)
		return nil, err
	}
	err = app.onGoingBlock.Set(keyLastAppHash, appHash)
	if err != nil {
		log.Printf("Error storing app hash: %v", err)
		return nil, err
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

func (app *Application) deliver(txBytes []byte) *abcitypes.ExecTxResult {
	tx, code, reason := app.verify(txBytes)
	if code != CodeOK {
		return &abcitypes.ExecTxResult{Code: code, Log: reason}
	}

	result, err := execute(app.onGoingBlock, tx, app.config.GasPerTx)
	if err != nil {
		log.Printf("Error executing %s: %v", tx.Method, err)
		return &abcitypes.ExecTxResult{Code: CodeStorage, Log: fmt.Sprintf("Database error: %v", err)}
	}
	if result.Code != CodeOK {
		app.logger.Info("Call reverted", "method", tx.Method, "from", tx.From, "reason", result.Log)
	}
	return result
}

func (app *Application) lastAppHash() []byte {
	item, err := app.onGoingBlock.Get(keyLastAppHash)
	if err != nil {
		return nil
	}
	hash, err := item.ValueCopy(nil)
	if err != nil {
		return nil
	}
	return hash
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, _ *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		log.Printf("Error committing block: %v", err)
		return nil, err
	}
	return &abcitypes.CommitResponse{}, nil
}

// calculateAppHash chains the previous app hash with the block's results.
func calculateAppHash(prev []byte, txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	h.Write(prev)
	var code [4]byte
	for _, result := range txResults {
		binary.BigEndian.PutUint32(code[:], result.Code)
		h.Write(code[:])
		h.Write(result.Data)
	}
	return h.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
