package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	err := ErrInsufficientFunds("balance %d below amount %d", 50, 100)
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
	assert.Contains(t, err.Error(), "balance 50 below amount 100")
}

func TestCodeOfWrappedError(t *testing.T) {
	inner := ErrNotFound("listing %s not found", "abc")
	wrapped := fmt.Errorf("failed to place bid: %w", inner)

	assert.Equal(t, CodeNotFound, CodeOf(wrapped))

	de, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeNotFound, de.Code)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("disk on fire")))
}

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		code Code
		want int
	}{
		{CodeAuthFailed, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeValidation, http.StatusBadRequest},
		{CodeInsufficientFunds, http.StatusPaymentRequired},
		{CodeSafeguard, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.code))
		})
	}
}

func TestValidBiome(t *testing.T) {
	for _, b := range Biomes {
		assert.True(t, ValidBiome(b))
	}
	assert.False(t, ValidBiome("swamp"))
	assert.Len(t, Biomes, 7)
}
