/**
 * @description
 * Error taxonomy for the transfer engine. Every failure the engine can report
 * carries a machine-readable kind so the HTTP layer can map it to a status code
 * without string matching, and callers can decide what is safe to retry.
 */

package app

import "errors"

// Kind identifies one class of engine failure.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindNotFound          Kind = "not_found"
	KindAccountInactive   Kind = "account_inactive"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindTransferFailed    Kind = "transfer_failed"
	KindInternalError     Kind = "internal_error"
)

// Side identifies which leg of a transfer an error refers to.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// EngineError is the structured error returned by the transfer engine.
type EngineError struct {
	Kind    Kind
	Side    Side // set for not_found and account_inactive
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

func invalidRequest(message string) *EngineError {
	return &EngineError{Kind: KindInvalidRequest, Message: message}
}

func notFound(side Side) *EngineError {
	return &EngineError{
		Kind:    KindNotFound,
		Side:    side,
		Message: string(side) + " account not found",
	}
}

func accountInactive(side Side) *EngineError {
	return &EngineError{
		Kind:    KindAccountInactive,
		Side:    side,
		Message: string(side) + " account is inactive",
	}
}

func insufficientFunds() *EngineError {
	return &EngineError{Kind: KindInsufficientFunds, Message: "insufficient funds in source account"}
}

func transferFailed(err error) *EngineError {
	return &EngineError{Kind: KindTransferFailed, Message: "transfer could not be posted", Err: err}
}

func internalError(err error) *EngineError {
	return &EngineError{Kind: KindInternalError, Message: "unexpected error", Err: err}
}

// KindOf extracts the engine error kind, reporting internal_error for anything
// that did not come out of the engine.
func KindOf(err error) Kind {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternalError
}
