package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeForbidden, http.StatusForbidden},
		{CodeConflict, http.StatusConflict},
		{CodeNoCopiesAvailable, http.StatusConflict},
		{CodeInsufficientInventory, http.StatusConflict},
		{CodeCapacityExceeded, http.StatusConflict},
		{CodeAlreadyReturned, http.StatusConflict},
		{CodeServiceUnavailable, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, MetadataFor(tt.code).HTTPStatus, tt.code)
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, MetadataFor("SOMETHING_ELSE").HTTPStatus)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "insert loan")

	assert.True(t, stdErrors.Is(wrapped, cause))
	assert.Equal(t, CodeConflict, wrapped.Code())
	assert.Equal(t, "insert loan", wrapped.Message())
}

func TestCodeOfSeesThroughFmtWrapping(t *testing.T) {
	err := fmt.Errorf("failed to reserve: %w", New(CodeInsufficientInventory, "Not enough copies available"))

	assert.Equal(t, CodeInsufficientInventory, CodeOf(err))
	assert.True(t, IsCode(err, CodeInsufficientInventory))
	assert.False(t, IsCode(nil, CodeInternal))
	assert.Equal(t, CodeInternal, CodeOf(stdErrors.New("plain")))
}

func TestParseCode(t *testing.T) {
	code, ok := ParseCode("CAPACITY_EXCEEDED")
	require.True(t, ok)
	assert.Equal(t, CodeCapacityExceeded, code)

	_, ok = ParseCode("TEAPOT")
	assert.False(t, ok)
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeForStatus(http.StatusNotFound))
	assert.Equal(t, CodeConflict, CodeForStatus(http.StatusConflict))
	assert.Equal(t, CodeServiceUnavailable, CodeForStatus(http.StatusBadGateway))
	assert.Equal(t, CodeValidation, CodeForStatus(http.StatusUnprocessableEntity))
}
