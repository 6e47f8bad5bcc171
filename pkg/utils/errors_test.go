package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("WrappedErrorMatchesPredefined", func(t *testing.T) {
		cause := errors.New("zero rows affected")
		err := fmt.Errorf("attach team: %w", WrapError(ErrCapacityExceeded, cause))

		assert.True(t, errors.Is(err, ErrCapacityExceeded))
		assert.False(t, errors.Is(err, ErrNotFound))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeCapacityExceeded, GetErrorCode(err))
		assert.Equal(t, "team full", GetErrorMessage(err))
	})

	t.Run("PlainError", func(t *testing.T) {
		err := errors.New("boom")
		_, ok := IsAppError(err)
		assert.False(t, ok)
		assert.Equal(t, CodeInternalError, GetErrorCode(err))
		assert.Equal(t, CodeSuccess, GetErrorCode(nil))
		assert.Equal(t, "boom", GetErrorMessage(err))
	})

	t.Run("ErrorString", func(t *testing.T) {
		assert.Equal(t, "code: 1003, message: not found", ErrNotFound.Error())
		wrapped := WrapError(ErrNotFound, errors.New("team 1"))
		assert.Equal(t, "code: 1003, message: not found, error: team 1", wrapped.Error())
	})

	t.Run("Retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(ErrConcurrentUpdate))
		assert.True(t, IsRetryable(WrapError(ErrDownstreamUnavailable, errors.New("dial tcp"))))
		assert.False(t, IsRetryable(ErrCapacityExceeded))
		assert.False(t, IsRetryable(ErrDuplicateAttempt))
	})
}
