package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("apply transfer: %w", New(CodeInsufficientFunds, "account acc-1 has 10.00, needs 20.00"))

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrLockTimeout))
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeStorageUnavailable, "get account", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.Equal(t, "get account: connection refused", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeValidation, CodeOf(Validation("amount must be positive")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrLockTimeout))
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrStorageUnavailable)))
	assert.True(t, Retryable(ErrAccountNotProvisioned))

	assert.False(t, Retryable(ErrInsufficientFunds))
	assert.False(t, Retryable(ErrDuplicateAlias))
	assert.False(t, Retryable(ErrAliasNotFound))
	assert.False(t, Retryable(nil))
}

func TestTransportMappings(t *testing.T) {
	cases := []struct {
		code Code
		http int
		grpc codes.Code
	}{
		{CodeValidation, http.StatusBadRequest, codes.InvalidArgument},
		{CodeDuplicateAlias, http.StatusConflict, codes.AlreadyExists},
		{CodeAliasNotFound, http.StatusNotFound, codes.NotFound},
		{CodeAccountNotProvisioned, http.StatusServiceUnavailable, codes.Unavailable},
		{CodeInsufficientFunds, http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{CodeLockTimeout, http.StatusServiceUnavailable, codes.Unavailable},
		{CodeUnknown, http.StatusInternalServerError, codes.Internal},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.http, HTTPStatus(tc.code), tc.code)
		assert.Equal(t, tc.grpc, GRPCCode(tc.code), tc.code)
	}
}
