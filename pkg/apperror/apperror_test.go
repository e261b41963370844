package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"authentication", Authentication("missing_token", "authentication required"), KindAuthentication},
		{"authorization", Authorization("role_denied", "access denied"), KindAuthorization},
		{"not found", NotFound("prescription_not_found", "prescription not found"), KindNotFound},
		{"validation", Validation("missing_dosage", "dosage is required"), KindValidation},
		{"conflict", Conflict("email_taken", "email already registered"), KindConflict},
		{"wrapped", fmt.Errorf("handler: %w", Conflict("not_pending", "delegation is approved")), KindConflict},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessageOfHidesInternalCauses(t *testing.T) {
	err := Internal("load prescription", errors.New("connection reset by peer"))

	assert.Equal(t, "internal server error", MessageOf(err))
	assert.Equal(t, "internal server error", MessageOf(errors.New("raw")))
	assert.Equal(t, "dosage is required", MessageOf(Validation("missing_dosage", "dosage is required")))
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestErrorsIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Authorization("pin_mismatch", "collection pin does not match"))

	assert.True(t, errors.Is(err, Authorization("pin_mismatch", "")))
	assert.True(t, errors.Is(err, &Error{Kind: KindAuthorization}))
	assert.False(t, errors.Is(err, Authorization("not_owner", "")))
	assert.False(t, errors.Is(err, Validation("pin_mismatch", "")))
}

func TestInternalUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("write", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, KindInternal))
	assert.False(t, IsKind(nil, KindInternal))
}
