package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0xaaaa"
	bob   = "0xbbbb"
)

var allActions = []Action{MarkForSale, Ship, Receive, Sell}

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name   string
		state  State
		action Action
		actor  string
		want   Decision
	}{
		{"mark for sale by custodian", Produced, MarkForSale, alice, Decision{Allowed: true, Next: ForSale}},
		{"ship by custodian", ForSale, Ship, alice, Decision{Allowed: true, Next: Shipped}},
		{"receive by custodian", Shipped, Receive, alice, Decision{Allowed: true, Next: Received}},
		{"sell by custodian", Received, Sell, alice, Decision{Allowed: true, Next: Sold}},
		{"mark for sale by stranger", Produced, MarkForSale, bob, Decision{Reason: Unauthorized, Next: Produced}},
		{"skip to ship", Produced, Ship, alice, Decision{Reason: InvalidTransition, Next: Produced}},
		{"repeat mark for sale", ForSale, MarkForSale, alice, Decision{Reason: InvalidTransition, Next: ForSale}},
		{"sell before receive", Shipped, Sell, alice, Decision{Reason: InvalidTransition, Next: Shipped}},
		{"wrong row and wrong actor", Produced, Sell, bob, Decision{Reason: InvalidTransition, Next: Produced}},
		{"case-insensitive custodian", Produced, MarkForSale, "0xAAAA", Decision{Allowed: true, Next: ForSale}},
		{"empty actor", Produced, MarkForSale, "", Decision{Reason: Unauthorized, Next: Produced}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(Asset{ID: 1, Custodian: alice, State: tt.state}, tt.action, tt.actor)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSoldDeniesEverything(t *testing.T) {
	for _, action := range append(allActions, Create) {
		for _, actor := range []string{alice, bob, ""} {
			d := Validate(Asset{ID: 1, Custodian: alice, State: Sold}, action, actor)
			assert.False(t, d.Allowed)
			assert.Equal(t, InvalidTransition, d.Reason, "action %s actor %q", action, actor)
			assert.ErrorIs(t, d.Err(), ErrInvalidTransition)
		}
	}
}

func TestStatesAdvanceOneStepAtATime(t *testing.T) {
	for s := Produced; s <= Sold; s++ {
		for _, action := range allActions {
			next, ok := Next(s, action)
			if !ok {
				assert.Equal(t, s, next)
				continue
			}
			assert.Equal(t, s+1, next, "%s --%s--> %s", s, action, next)
		}
	}
}

func TestEveryActionSequenceVisitsStatesInOrder(t *testing.T) {
	// Exhaustive over sequences of length 6 from Produced, custodian acting.
	var walk func(asset Asset, depth int, visited []State)
	walk = func(asset Asset, depth int, visited []State) {
		for i := 1; i < len(visited); i++ {
			require.Equal(t, visited[i-1]+1, visited[i])
		}
		if depth == 0 {
			return
		}
		for _, action := range allActions {
			d := Validate(asset, action, asset.Custodian)
			if !d.Allowed {
				continue
			}
			next := asset
			next.State = d.Next
			walk(next, depth-1, append(append([]State{}, visited...), d.Next))
		}
	}
	walk(Asset{ID: 1, Custodian: alice, State: Produced}, 6, []State{Produced})
}

func TestParseState(t *testing.T) {
	for v := int64(0); v <= 4; v++ {
		s, err := ParseState(v)
		require.NoError(t, err)
		assert.Equal(t, State(v), s)
	}
	_, err := ParseState(5)
	assert.Error(t, err)
	_, err = ParseState(-1)
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("mark-for-sale")
	require.NoError(t, err)
	assert.Equal(t, MarkForSale, a)

	_, err = ParseAction("Create")
	assert.Error(t, err)
}

func TestAllowed(t *testing.T) {
	assert.Equal(t, []Action{Ship}, Allowed(ForSale))
	assert.Empty(t, Allowed(Sold))
	assert.Len(t, Transitions(), 4)
}

func TestStateText(t *testing.T) {
	for s := Produced; s <= Sold; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("Lost")))
}
