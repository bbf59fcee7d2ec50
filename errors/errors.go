package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented    ErrCode = "NotImplemented"
	ErrCodeNotFound          ErrCode = "NotFound"
	ErrCodeServiceFailure    ErrCode = "ServiceFailure"
	ErrCodeAPIBadRequest     ErrCode = "BadRequest"
	ErrCodeConflict          ErrCode = "Conflict"
	ErrCodeDependencyFailure ErrCode = "DepedencyFailure"
	ErrCodeExisted           ErrCode = "Existed"
)

type LetterErr struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *LetterErr) Error() string {
	return e.msg
}

// Trace returns the stacktrace associated with the error
func (e *LetterErr) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\nCaused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

func (e *LetterErr) Unwrap() error {
	return e.cause
}

func (e *LetterErr) WithCause(c error) *LetterErr {
	e.cause = c
	return e
}

// prefer appSpecificErr(msg) over appSpecificErr(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func ErrServiceFailure(m string) *LetterErr {
	return &LetterErr{
		Code: ErrCodeServiceFailure,
		msg:  m,
	}
}

func ErrNotFound(m string) *LetterErr {
	return &LetterErr{
		Code: ErrCodeNotFound,
		msg:  m,
	}
}

func ErrBadInput(m string) *LetterErr {
	return &LetterErr{
		Code: ErrCodeAPIBadRequest,
		msg:  m,
	}
}

// ErrConflict flags an operation attempted from a state it is not legal in, e.g.,
// opening a deleted letter
func ErrConflict(m string) *LetterErr {
	return &LetterErr{
		Code: ErrCodeConflict,
		msg:  m,
	}
}

func ErrNotImplemented() *LetterErr {
	return &LetterErr{
		Code: ErrCodeNotImplemented,
		msg:  "Not implemented",
	}
}

func ErrExisted(m string) *LetterErr {
	return &LetterErr{
		Code: ErrCodeExisted,
		msg:  m,
	}
}

// StatusCode returns the http response status code associated with the LetterErr value
func (e *LetterErr) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAPIBadRequest:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeExisted:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
