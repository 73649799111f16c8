package payment

import (
	"errors"
)

// Code is a machine-readable failure reason surfaced to the UI.
type Code string

const (
	CodeWalletUnavailable    Code = "wallet_unavailable"
	CodeUserRejected         Code = "user_rejected"
	CodeInvalidParameters    Code = "invalid_parameters"
	CodeProviderError        Code = "provider_error"
	CodeBackendUnreachable   Code = "backend_unreachable"
	CodeVerificationRejected Code = "verification_rejected"
	CodeVerificationTimeout  Code = "verification_timeout"
	CodeAlreadyInProgress    Code = "already_in_progress"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeDeclinedByGateway    Code = "declined_by_gateway"
	CodeNotCancellable       Code = "not_cancellable"
	CodeNoTransferPending    Code = "no_transfer_pending"
)

// Error carries a Code plus a message fit for display.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrWalletUnavailable    = &Error{Code: CodeWalletUnavailable, Message: "no wallet provider available"}
	ErrUserRejected         = &Error{Code: CodeUserRejected, Message: "request rejected in wallet"}
	ErrInvalidParameters    = &Error{Code: CodeInvalidParameters, Message: "invalid transaction parameters"}
	ErrProviderError        = &Error{Code: CodeProviderError}
	ErrBackendUnreachable   = &Error{Code: CodeBackendUnreachable, Message: "payment backend unreachable"}
	ErrVerificationRejected = &Error{Code: CodeVerificationRejected}
	ErrVerificationTimeout  = &Error{Code: CodeVerificationTimeout, Message: "confirmation is taking longer than expected; the transfer may still confirm later"}
	ErrAlreadyInProgress    = &Error{Code: CodeAlreadyInProgress, Message: "a payment attempt is already in progress"}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount}
	ErrDeclinedByGateway    = &Error{Code: CodeDeclinedByGateway}
	ErrNotCancellable       = &Error{Code: CodeNotCancellable, Message: "transfer already submitted"}
	ErrNoTransferPending    = &Error{Code: CodeNoTransferPending, Message: "workflow is not awaiting a transfer"}
)

func ProviderError(message string) *Error {
	return &Error{Code: CodeProviderError, Message: message}
}

func VerificationRejected(reason string) *Error {
	return &Error{Code: CodeVerificationRejected, Message: reason}
}

func DeclinedByGateway(message string) *Error {
	return &Error{Code: CodeDeclinedByGateway, Message: message}
}

// BackendUnreachable wraps a transport failure.
func BackendUnreachable(err error) *Error {
	e := &Error{Code: CodeBackendUnreachable, Message: ErrBackendUnreachable.Message, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// AsError returns the *Error in err's chain, or a provider error carrying err's message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeProviderError, Message: err.Error(), Err: err}
}

// IsTransport reports whether err is a transient backend transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}
