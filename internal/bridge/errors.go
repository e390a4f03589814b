package bridge

import (
	"errors"
	"fmt"

	"hermes/internal/ledger"
)

// Kind classifies a bridge error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPrecondition
	KindNotFound
	KindConflict
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

var ErrInsufficientBalance = errors.New("insufficient UGDX balance")

// Error carries a client-safe message plus the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func validationError(msg string) *Error { return newError(KindValidation, msg, nil) }

func preconditionError(msg string) *Error { return newError(KindPrecondition, msg, nil) }

func externalError(msg string, err error) *Error { return newError(KindExternal, msg, err) }

// ledgerError maps ledger sentinels onto kinds.
func ledgerError(what string, err error) error {
	var settled *ledger.SettledError
	switch {
	case errors.As(err, &settled):
		return newError(KindConflict, fmt.Sprintf("%s %s", what, settled.Error()), err)
	case errors.Is(err, ledger.ErrNotFound):
		return newError(KindNotFound, what+" not found", err)
	case errors.Is(err, ledger.ErrSettlementInProgress),
		errors.Is(err, ledger.ErrClaimLost),
		errors.Is(err, ledger.ErrHashRecorded),
		errors.Is(err, ledger.ErrHashInUse):
		return newError(KindConflict, what+" "+err.Error(), err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
