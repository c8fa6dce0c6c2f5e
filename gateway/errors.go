package gateway

import (
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/custody/session"
)

var (
	// ErrTransactionRejected is a ledger-side revert. The ledger state is
	// unchanged by the rejected call.
	ErrTransactionRejected = errors.New("transaction rejected")
	// ErrTransportFailure means the ledger could not be reached or did not
	// answer in time. For writes the outcome is unknown.
	ErrTransportFailure = errors.New("transport failure")
	// ErrDecode is a malformed ledger answer. It is a transport failure.
	ErrDecode = fmt.Errorf("%w: undecodable ledger response", ErrTransportFailure)
)

// Error codes.
const (
	CodeRejected  = "TRANSACTION_REJECTED"
	CodeTransport = "TRANSPORT_FAILURE"
	CodeDecode    = "DECODE_ERROR"
)

// Error is a failed ledger call. It unwraps to one of the package sentinels.
type Error struct {
	Code    string
	Method  string
	Message string
	Detail  string

	kind error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Code, e.Message, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.kind
}

func rejected(method, reason string) *Error {
	return &Error{
		Code:    CodeRejected,
		Method:  method,
		Message: "ledger reverted the call",
		Detail:  reason,
		kind:    ErrTransactionRejected,
	}
}

func transport(method string, err error) *Error {
	return &Error{
		Code:    CodeTransport,
		Method:  method,
		Message: "ledger unreachable",
		Detail:  err.Error(),
		kind:    ErrTransportFailure,
	}
}

func decodeFailure(method string, format string, args ...any) *Error {
	return &Error{
		Code:    CodeDecode,
		Method:  method,
		Message: "malformed ledger response",
		Detail:  fmt.Sprintf(format, args...),
		kind:    ErrDecode,
	}
}

// sessionError passes session sentinels through and treats anything else
// raised while checking the session as a transport problem.
func sessionError(method string, err error) error {
	for _, known := range []error{
		session.ErrGatewayUninitialized,
		session.ErrNetworkMismatch,
		session.ErrWalletUnavailable,
		session.ErrConnectionRejected,
		session.ErrUnknownAccount,
		session.ErrAccountChanged,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return transport(method, err)
}
