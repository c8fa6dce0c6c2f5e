package lifecycle

import (
	"fmt"
	"strings"
)

// State is the custody stage of a product. The numeric values are the
// ledger encoding and must not be reordered.
type State uint8

const (
	Produced State = iota
	ForSale
	Shipped
	Received
	Sold
)

var stateNames = [...]string{"Produced", "ForSale", "Shipped", "Received", "Sold"}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateNames[s]
}

// Valid reports whether s is one of the five ledger states.
func (s State) Valid() bool {
	return s <= Sold
}

// Terminal reports whether no further action is accepted in s.
func (s State) Terminal() bool {
	return s == Sold
}

// ParseState decodes the ledger's integer state encoding.
func ParseState(v int64) (State, error) {
	if v < int64(Produced) || v > int64(Sold) {
		return 0, fmt.Errorf("state %d out of range 0-%d", v, Sold)
	}
	return State(v), nil
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Asset is the client-side view of one product record held by the ledger.
type Asset struct {
	ID        uint64 `json:"sku"`
	Label     string `json:"name"`
	Custodian string `json:"owner"`
	State     State  `json:"state"`
}

// SameAccount compares account identifiers the way the ledger does:
// hex addresses are case-insensitive.
func SameAccount(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
