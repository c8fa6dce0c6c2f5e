// Package contract holds the fixed method contract of the SupplyChain ledger
// deployment: method names, the signed transaction envelope and the query
// path layout. Both the gateway and the reference ledger speak it.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Ledger methods. Writes go through BroadcastTxCommit, reads through ABCIQuery.
const (
	MethodCreateProduct  = "createProduct"
	MethodFetchProduct   = "fetchProduct"
	MethodProductCounter = "productCounter"
	MethodMarkForSale    = "markForSale"
	MethodShipProduct    = "shipProduct"
	MethodReceiveProduct = "receiveProduct"
	MethodSellProduct    = "sellProduct"

	// MethodFees reads the accumulated fee charged to an account.
	MethodFees = "fees"
)

// Name is the contract name the deployment address is derived from.
const Name = "SupplyChain"

// Tx is the signed envelope of one write.
type Tx struct {
	Contract  string   `json:"contract"`
	Method    string   `json:"method"`
	Args      []string `json:"args"`
	From      string   `json:"from"`
	Nonce     string   `json:"nonce"`
	PubKey    []byte   `json:"pub_key,omitempty"`
	Signature []byte   `json:"signature,omitempty"`
}

// SignBytes is the canonical payload covered by the signature.
func (tx *Tx) SignBytes() []byte {
	unsigned := struct {
		Contract string   `json:"contract"`
		Method   string   `json:"method"`
		Args     []string `json:"args"`
		From     string   `json:"from"`
		Nonce    string   `json:"nonce"`
	}{
		Contract: strings.ToLower(tx.Contract),
		Method:   tx.Method,
		Args:     tx.Args,
		From:     strings.ToLower(tx.From),
		Nonce:    tx.Nonce,
	}
	if unsigned.Args == nil {
		unsigned.Args = []string{}
	}
	// Marshalling a struct of strings cannot fail.
	b, _ := json.Marshal(unsigned)
	return b
}

// Encode serializes tx for broadcast.
func (tx *Tx) Encode() ([]byte, error) {
	return json.Marshal(tx)
}

// DecodeTx parses a broadcast transaction.
func DecodeTx(raw []byte) (*Tx, error) {
	var tx Tx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	if tx.Method == "" {
		return nil, fmt.Errorf("decode tx: missing method")
	}
	return &tx, nil
}

// QueryPath is the ABCI query path of a read method on a deployment.
func QueryPath(address, method string) string {
	return "/" + strings.ToLower(address) + "/" + method
}

// SplitQueryPath is the inverse of QueryPath.
func SplitQueryPath(path string) (address, method string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Address derives the deterministic deployment address of the contract on a
// network.
func Address(networkID string) string {
	sum := sha256.Sum256([]byte(Name + "/" + networkID))
	return "0x" + hex.EncodeToString(sum[:20])
}

// AccountFromAddress renders a 20-byte key address as an account identifier.
func AccountFromAddress(addr []byte) string {
	return "0x" + hex.EncodeToString(addr)
}

// ValidAccount reports whether s looks like an account identifier.
func ValidAccount(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// ProductTuple is the positional return of fetchProduct:
// [identifier, label, custodian, state].
type ProductTuple [4]json.RawMessage
