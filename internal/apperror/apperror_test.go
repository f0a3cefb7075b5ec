package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(KindDecode, "bad base64"))

	assert.Equal(t, KindDecode, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("tx: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsMatchesByKind(t *testing.T) {
	err := Wrap(KindStorage, errors.New("disk full"), "write screenshot")

	assert.True(t, errors.Is(err, &Error{Kind: KindStorage}))
	assert.False(t, errors.Is(err, &Error{Kind: KindDecode}))
	assert.EqualError(t, errors.Unwrap(err), "disk full")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown key", Unauthorized("unknown project key"), http.StatusUnauthorized},
		{"disabled project", Forbidden("project disabled"), http.StatusForbidden},
		{"validation", Validation(FieldError{Field: "title", Message: "required"}), http.StatusUnprocessableEntity},
		{"persistence", New(KindPersistence, "commit"), http.StatusInternalServerError},
		{"timeout", New(KindTimeout, "deadline"), http.StatusGatewayTimeout},
		{"bare deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestValidationMessageListsFields(t *testing.T) {
	err := Validation(
		FieldError{Field: "title", Message: "is required"},
		FieldError{Field: "severity", Message: "must be one of low, medium, high, critical"},
	)

	require.Len(t, FieldsOf(err), 2)
	assert.Contains(t, err.Error(), "title: is required")
	assert.Contains(t, err.Error(), "severity: must be one of")
}
