package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/dgraph-io/badger/v4"

	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/lifecycle"
)

var keyProductCounter = []byte("product_counter")

// product is the stored form of one record. State keeps the numeric
// ledger encoding.
type product struct {
	ID        uint64 `json:"id"`
	Label     string `json:"label"`
	Custodian string `json:"custodian"`
	State     uint8  `json:"state"`
}

func productKey(id uint64) []byte {
	return []byte(fmt.Sprintf("product:%020d", id))
}

func feeKey(account string) []byte {
	return []byte("fees:" + strings.ToLower(account))
}

func nonceKey(from, nonce string) []byte {
	return []byte("nonce:" + strings.ToLower(from) + ":" + nonce)
}

var methodActions = map[string]lifecycle.Action{
	contract.MethodMarkForSale:    lifecycle.MarkForSale,
	contract.MethodShipProduct:    lifecycle.Ship,
	contract.MethodReceiveProduct: lifecycle.Receive,
	contract.MethodSellProduct:    lifecycle.Sell,
}

// execute applies one verified call inside txn. A returned error is a
// storage failure; reverts are reported through the result code. Every
// executed call is charged gas, reverted or not.
func execute(txn *badger.Txn, tx *contract.Tx, gas int64) (*abcitypes.ExecTxResult, error) {
	if _, err := txn.Get(nonceKey(tx.From, tx.Nonce)); err == nil {
		return &abcitypes.ExecTxResult{Code: CodeReplay, Log: "nonce already used"}, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}
	if tx.Nonce == "" {
		return &abcitypes.ExecTxResult{Code: CodeReplay, Log: "missing nonce"}, nil
	}
	if err := txn.Set(nonceKey(tx.From, tx.Nonce), []byte{1}); err != nil {
		return nil, err
	}
	if err := charge(txn, tx.From, gas); err != nil {
		return nil, err
	}

	var (
		result *abcitypes.ExecTxResult
		err    error
	)
	switch tx.Method {
	case contract.MethodCreateProduct:
		result, err = createProduct(txn, tx)
	case contract.MethodMarkForSale, contract.MethodShipProduct, contract.MethodReceiveProduct, contract.MethodSellProduct:
		result, err = advance(txn, tx, methodActions[tx.Method])
	default:
		result = &abcitypes.ExecTxResult{Code: CodeUnknownMethod, Log: fmt.Sprintf("unknown method %q", tx.Method)}
	}
	if err != nil {
		return nil, err
	}
	result.GasWanted = gas
	result.GasUsed = gas
	return result, nil
}

func revert(format string, args ...any) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{Code: CodeRevert, Log: fmt.Sprintf(format, args...)}
}

func createProduct(txn *badger.Txn, tx *contract.Tx) (*abcitypes.ExecTxResult, error) {
	if len(tx.Args) != 1 || strings.TrimSpace(tx.Args[0]) == "" {
		return revert("createProduct expects a non-empty label"), nil
	}

	counter, err := readUint(txn, keyProductCounter)
	if err != nil {
		return nil, err
	}
	p := product{
		ID:        counter + 1,
		Label:     tx.Args[0],
		Custodian: strings.ToLower(tx.From),
		State:     uint8(lifecycle.Produced),
	}
	if err := putProduct(txn, p); err != nil {
		return nil, err
	}
	if err := txn.Set(keyProductCounter, int64ToBytes(int64(p.ID))); err != nil {
		return nil, err
	}

	id := strconv.FormatUint(p.ID, 10)
	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   []byte(id),
		Events: events(tx, id, lifecycle.Produced),
	}, nil
}

func advance(txn *badger.Txn, tx *contract.Tx, action lifecycle.Action) (*abcitypes.ExecTxResult, error) {
	want := 1
	if action == lifecycle.Ship {
		want = 2
	}
	if len(tx.Args) != want {
		return revert("%s expects %d arguments", tx.Method, want), nil
	}
	id, err := strconv.ParseUint(tx.Args[0], 10, 64)
	if err != nil {
		return revert("malformed product id %q", tx.Args[0]), nil
	}

	p, found, err := getProduct(txn, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return revert("product %d does not exist", id), nil
	}

	state, err := lifecycle.ParseState(int64(p.State))
	if err != nil {
		return nil, fmt.Errorf("product %d: %w", id, err)
	}
	asset := lifecycle.Asset{ID: p.ID, Label: p.Label, Custodian: p.Custodian, State: state}
	decision := lifecycle.Validate(asset, action, tx.From)
	if !decision.Allowed {
		return revert("%s: %s on product %d in state %s", decision.Reason, action, id, state), nil
	}

	if action == lifecycle.Ship {
		recipient := strings.ToLower(tx.Args[1])
		if !contract.ValidAccount(recipient) {
			return revert("malformed recipient %q", tx.Args[1]), nil
		}
		p.Custodian = recipient
	}
	p.State = uint8(decision.Next)
	if err := putProduct(txn, p); err != nil {
		return nil, err
	}

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Events: events(tx, tx.Args[0], decision.Next),
	}, nil
}

func events(tx *contract.Tx, id string, state lifecycle.State) []abcitypes.Event {
	return []abcitypes.Event{
		{
			Type: "custody_tx",
			Attributes: []abcitypes.EventAttribute{
				{Key: "method", Value: tx.Method, Index: true},
				{Key: "product", Value: id, Index: true},
				{Key: "from", Value: strings.ToLower(tx.From), Index: true},
				{Key: "state", Value: state.String(), Index: true},
			},
		},
	}
}

func charge(txn *badger.Txn, account string, gas int64) error {
	spent, err := readUint(txn, feeKey(account))
	if err != nil {
		return err
	}
	return txn.Set(feeKey(account), int64ToBytes(int64(spent)+gas))
}

// query answers one read method. It returns the value, the result code and
// a reason for non-zero codes.
func query(txn *badger.Txn, method string, data []byte) ([]byte, uint32, string, error) {
	switch method {
	case contract.MethodProductCounter:
		n, err := readUint(txn, keyProductCounter)
		if err != nil {
			return nil, 0, "", err
		}
		return []byte(strconv.FormatUint(n, 10)), CodeOK, "", nil

	case contract.MethodFetchProduct:
		id, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return nil, CodeRevert, fmt.Sprintf("malformed product id %q", data), nil
		}
		p, found, err := getProduct(txn, id)
		if err != nil {
			return nil, 0, "", err
		}
		if !found {
			return nil, CodeRevert, fmt.Sprintf("product %d does not exist", id), nil
		}
		value, err := json.Marshal([]any{p.ID, p.Label, p.Custodian, p.State})
		if err != nil {
			return nil, 0, "", err
		}
		return value, CodeOK, "", nil

	case contract.MethodFees:
		if !contract.ValidAccount(strings.ToLower(string(data))) {
			return nil, CodeRevert, fmt.Sprintf("malformed account %q", data), nil
		}
		n, err := readUint(txn, feeKey(string(data)))
		if err != nil {
			return nil, 0, "", err
		}
		return []byte(strconv.FormatUint(n, 10)), CodeOK, "", nil
	}
	return nil, CodeUnknownMethod, fmt.Sprintf("unknown method %q", method), nil
}

func getProduct(txn *badger.Txn, id uint64) (product, bool, error) {
	item, err := txn.Get(productKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return product{}, false, nil
		}
		return product{}, false, err
	}
	var p product
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return product{}, false, fmt.Errorf("decode product %d: %w", id, err)
	}
	return p, true, nil
}

func putProduct(txn *badger.Txn, p product) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return txn.Set(productKey(p.ID), value)
}

func readUint(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		n = bytesToInt64(val)
		return nil
	})
	return uint64(n), err
}
