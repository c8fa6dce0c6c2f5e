package coordinator

import (
	"errors"
	"time"

	"github.com/ahmadzakiakmal/custody/gateway"
	"github.com/ahmadzakiakmal/custody/lifecycle"
)

// Status of a submission.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusFailed    Status = "Failed"
)

// Failure classifies a Failed submission.
type Failure string

const (
	FailureInvalidTransition   Failure = "InvalidTransition"
	FailureUnauthorized        Failure = "Unauthorized"
	FailureTransactionRejected Failure = "TransactionRejected"
	FailureTransportFailure    Failure = "TransportFailure"
	// FailureSession means the session became invalid after the submission
	// was accepted and the write was never sent.
	FailureSession Failure = "SessionInvalid"
)

// Params carries the action-specific arguments of a submission.
type Params struct {
	Recipient string `json:"recipient,omitempty"`
}

// Record is the outcome of one submission attempt. It lives only as long as
// the caller keeps it.
type Record struct {
	ID            string           `json:"id"`
	AssetID       uint64           `json:"asset_id"`
	Action        lifecycle.Action `json:"action"`
	Actor         string           `json:"actor"`
	Label         string           `json:"label,omitempty"`
	Recipient     string           `json:"recipient,omitempty"`
	Status        Status           `json:"status"`
	Failure       Failure          `json:"failure,omitempty"`
	FailureDetail string           `json:"failure_detail,omitempty"`
	Receipt       *gateway.Receipt `json:"receipt,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	ResolvedAt    time.Time        `json:"resolved_at,omitempty"`

	err error
}

// Err returns the error behind a Failed record, or nil. Validator denials
// unwrap to lifecycle.ErrInvalidTransition or lifecycle.ErrUnauthorized and
// ledger failures to the gateway sentinels.
func (r *Record) Err() error {
	return r.err
}

func (r *Record) confirm(receipt gateway.Receipt) {
	r.Status = StatusConfirmed
	r.Receipt = &receipt
	r.ResolvedAt = time.Now()
}

func (r *Record) deny(decision lifecycle.Decision) {
	r.Status = StatusFailed
	r.err = decision.Err()
	if decision.Reason == lifecycle.Unauthorized {
		r.Failure = FailureUnauthorized
		r.FailureDetail = "actor is not the current custodian"
	} else {
		r.Failure = FailureInvalidTransition
		r.FailureDetail = "action not allowed in the current state"
	}
	r.ResolvedAt = time.Now()
}

// fail marks the record Failed. written reports whether a write was sent,
// which makes a transport failure ambiguous.
func (r *Record) fail(err error, written bool) {
	r.Status = StatusFailed
	r.err = err
	r.Failure = classify(err)
	r.FailureDetail = err.Error()
	if written && r.Failure == FailureTransportFailure {
		r.FailureDetail += " (outcome unknown)"
	}
	r.ResolvedAt = time.Now()
}

func classify(err error) Failure {
	switch {
	case errors.Is(err, gateway.ErrTransactionRejected):
		return FailureTransactionRejected
	case errors.Is(err, gateway.ErrTransportFailure):
		return FailureTransportFailure
	case isSessionError(err):
		return FailureSession
	}
	return FailureTransportFailure
}
