package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(NotFound, "entity not found")
	wrapped := fmt.Errorf("lookup failed: %w", base)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, NotFound, got.Kind)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}

func TestFieldProducesValidationKind(t *testing.T) {
	err := Field("stream", "is required")
	assert.Equal(t, Validation, err.Kind)
	assert.Equal(t, "stream", err.Field)
	assert.Contains(t, err.Error(), "stream")
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	err := RateLimit(7)
	assert.Equal(t, RateLimited, err.Kind)
	assert.Equal(t, 7, err.RetryAfter)
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Unavailable, "append failed", cause)
	assert.ErrorIs(t, err, cause)
}
