// Package lifecycle defines the product custody state machine and the
// client-side validator that runs before any ledger submission.
package lifecycle

import (
	"errors"
	"fmt"
)

// Action is a state-advancing request against an existing product.
type Action string

const (
	MarkForSale Action = "MarkForSale"
	Ship        Action = "Ship"
	Receive     Action = "Receive"
	Sell        Action = "Sell"

	// Create is not part of the transition table. It names the creation
	// submission in transaction records.
	Create Action = "Create"
)

// ParseAction accepts both the canonical names and the kebab-case path
// segments used by the HTTP API.
func ParseAction(s string) (Action, error) {
	switch s {
	case "MarkForSale", "mark-for-sale":
		return MarkForSale, nil
	case "Ship", "ship":
		return Ship, nil
	case "Receive", "receive":
		return Receive, nil
	case "Sell", "sell":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Reason explains a denial.
type Reason string

const (
	InvalidTransition Reason = "InvalidTransition"
	Unauthorized      Reason = "Unauthorized"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Transition is one row of the custody table. The required role for every
// row is the current custodian.
type Transition struct {
	From   State
	Action Action
	To     State
}

var table = []Transition{
	{From: Produced, Action: MarkForSale, To: ForSale},
	{From: ForSale, Action: Ship, To: Shipped},
	{From: Shipped, Action: Receive, To: Received},
	{From: Received, Action: Sell, To: Sold},
}

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	out := make([]Transition, len(table))
	copy(out, table)
	return out
}

// Next returns the state reached by applying action in from.
func Next(from State, action Action) (State, bool) {
	for _, t := range table {
		if t.From == from && t.Action == action {
			return t.To, true
		}
	}
	return from, false
}

// Allowed returns the actions the table accepts in s, ignoring the actor.
func Allowed(s State) []Action {
	var actions []Action
	for _, t := range table {
		if t.From == s {
			actions = append(actions, t.Action)
		}
	}
	return actions
}

// Decision is the validator outcome.
type Decision struct {
	Allowed bool
	Reason  Reason
	Next    State
}

// Err converts a denial into ErrInvalidTransition or ErrUnauthorized.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == Unauthorized:
		return ErrUnauthorized
	default:
		return ErrInvalidTransition
	}
}

// Validate decides whether actor may apply action to asset. The row is
// matched before the actor, so a terminal asset is always InvalidTransition.
func Validate(asset Asset, action Action, actor string) Decision {
	next, ok := Next(asset.State, action)
	if !ok {
		return Decision{Reason: InvalidTransition, Next: asset.State}
	}
	if !SameAccount(actor, asset.Custodian) {
		return Decision{Reason: Unauthorized, Next: asset.State}
	}
	return Decision{Allowed: true, Next: next}
}
