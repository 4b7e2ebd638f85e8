// Package apperr classifies failures of the ledger core so transports can
// map them without string matching.
package apperr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeDuplicateAlias        Code = "DUPLICATE_ALIAS"
	CodeAliasNotFound         Code = "ALIAS_NOT_FOUND"
	CodeAccountNotProvisioned Code = "ACCOUNT_NOT_PROVISIONED"
	CodeAccountNotFound       Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists         Code = "ACCOUNT_EXISTS"
	CodeTransactionNotFound   Code = "TRANSACTION_NOT_FOUND"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeSelfTransfer          Code = "SELF_TRANSFER"
	CodeLockTimeout           Code = "LOCK_TIMEOUT"
	CodeStorageUnavailable    Code = "STORAGE_UNAVAILABLE"
)

// Error carries a Code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels survive wrapping
// and re-creation with a more specific message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code to cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

var (
	ErrValidation            = New(CodeValidation, "validation failed")
	ErrDuplicateAlias        = New(CodeDuplicateAlias, "alias name already exists")
	ErrAliasNotFound         = New(CodeAliasNotFound, "alias not found")
	ErrAccountNotProvisioned = New(CodeAccountNotProvisioned, "account not provisioned yet")
	ErrAccountNotFound       = New(CodeAccountNotFound, "account not found")
	ErrAccountExists         = New(CodeAccountExists, "account already exists for alias")
	ErrTransactionNotFound   = New(CodeTransactionNotFound, "transaction not found")
	ErrInsufficientFunds     = New(CodeInsufficientFunds, "insufficient funds")
	ErrSelfTransfer          = New(CodeSelfTransfer, "sender and receiver must be different")
	ErrLockTimeout           = New(CodeLockTimeout, "timed out waiting for account lock")
	ErrStorageUnavailable    = New(CodeStorageUnavailable, "storage unavailable")
)

// Validation returns a validation error with a specific message.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether retrying the same request may succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeLockTimeout, CodeStorageUnavailable, CodeAccountNotProvisioned:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeSelfTransfer:
		return http.StatusBadRequest
	case CodeDuplicateAlias, CodeAccountExists:
		return http.StatusConflict
	case CodeAliasNotFound, CodeAccountNotFound, CodeTransactionNotFound:
		return http.StatusNotFound
	case CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case CodeAccountNotProvisioned, CodeLockTimeout, CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a code to a gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case CodeValidation, CodeSelfTransfer:
		return codes.InvalidArgument
	case CodeDuplicateAlias, CodeAccountExists:
		return codes.AlreadyExists
	case CodeAliasNotFound, CodeAccountNotFound, CodeTransactionNotFound:
		return codes.NotFound
	case CodeInsufficientFunds:
		return codes.FailedPrecondition
	case CodeAccountNotProvisioned, CodeLockTimeout, CodeStorageUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
