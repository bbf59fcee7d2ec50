package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLetterErr_Trace(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	mid := ErrServiceFailure("error reaching store").WithCause(inner)
	outer := ErrServiceFailure("error opening letter").WithCause(mid)

	trace := outer.Trace()
	assert.Contains(t, trace, "error opening letter")
	assert.Contains(t, trace, "error reaching store")
	assert.Contains(t, trace, "connection refused")
}

func TestLetterErr_StatusCode(t *testing.T) {
	tcs := []struct {
		name     string
		err      *LetterErr
		expected int
	}{
		{
			name:     "NotFound",
			err:      ErrNotFound("letter not found"),
			expected: http.StatusNotFound,
		},
		{
			name:     "BadInput",
			err:      ErrBadInput("reveal delay out of range"),
			expected: http.StatusBadRequest,
		},
		{
			name:     "Conflict",
			err:      ErrConflict("letter already deleted"),
			expected: http.StatusConflict,
		},
		{
			name:     "Existed",
			err:      ErrExisted("recipient already exists"),
			expected: http.StatusForbidden,
		},
		{
			name:     "ServiceFailure",
			err:      ErrServiceFailure("store offline"),
			expected: http.StatusInternalServerError,
		},
		{
			name:     "NotImplemented",
			err:      ErrNotImplemented(),
			expected: http.StatusInternalServerError,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, c.err.StatusCode(), "unexpected status code mapping")
		})
	}
}

func TestLetterErr_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := ErrConflict("illegal transition").WithCause(cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Nil(t, ErrConflict("no cause").Unwrap())
}
