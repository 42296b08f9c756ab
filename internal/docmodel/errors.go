package docmodel

import (
	"fmt"
	"strings"
)

// ParseErr classifies why a document could not be parsed against a model.
// Every value is locally recoverable: callers reject the document, not the agent.
type ParseErr int

const (
	ErrUnknown ParseErr = iota
	ErrOutOfMemory
	ErrFieldTypeMismatch
	ErrBase64Decode
	ErrInvalidNumChar
	ErrDuplicatesNotAllowed
	ErrMalformedDoc
	ErrInvalidJSONBuffer
	ErrNullModelPointer
	ErrNullBodyPointer
	ErrNullDocPointer
	ErrTooManyParams
	ErrParamKeyNotInModel
	ErrInvalidModelParamType
	ErrInvalidToken
)

var parseErrNames = map[ParseErr]string{
	ErrUnknown:               "unknown error",
	ErrOutOfMemory:           "out of memory",
	ErrFieldTypeMismatch:     "field type mismatch",
	ErrBase64Decode:          "base64 decode failed",
	ErrInvalidNumChar:        "invalid numeric character",
	ErrDuplicatesNotAllowed:  "duplicates not allowed",
	ErrMalformedDoc:          "malformed document",
	ErrInvalidJSONBuffer:     "invalid json buffer",
	ErrNullModelPointer:      "null model",
	ErrNullBodyPointer:       "model has no parameters",
	ErrNullDocPointer:        "null document",
	ErrTooManyParams:         "too many parameters",
	ErrParamKeyNotInModel:    "key not in model",
	ErrInvalidModelParamType: "invalid model parameter type",
	ErrInvalidToken:          "invalid token",
}

func (e ParseErr) Error() string {
	if name, ok := parseErrNames[e]; ok {
		return "docmodel: " + name
	}
	return fmt.Sprintf("docmodel: parse error %d", int(e))
}

// ParseError carries a classification together with the keys it concerns.
// errors.Is(err, ErrMalformedDoc) matches on Code.
type ParseError struct {
	Code ParseErr
	Keys []string
	Err  error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Error())
	if len(e.Keys) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Keys, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Is(target error) bool {
	code, ok := target.(ParseErr)
	return ok && code == e.Code
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newError(code ParseErr, err error, keys ...string) *ParseError {
	return &ParseError{Code: code, Keys: keys, Err: err}
}
