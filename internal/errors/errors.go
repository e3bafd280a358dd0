package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	ErrorTypePlanning            ErrorType = "PLANNING"
	ErrorTypeApply               ErrorType = "APPLY"
	ErrorTypeStaleTarget         ErrorType = "STALE_TARGET"
	ErrorTypeAmbiguousMatchCount ErrorType = "AMBIGUOUS_MATCH_COUNT"
	ErrorTypePartialApply        ErrorType = "PARTIAL_APPLY"
)

// Error is the single error shape returned by planning, applying and tree
// building. Paths carries the already persisted paths of a partial apply.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Paths   []string  `json:"paths,omitempty"`
	Pending []string  `json:"pending,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same type, so callers can test with
// errors.Is(err, &Error{Type: ErrorTypeStaleTarget}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

func Planning(path, message string, err error) *Error {
	return &Error{
		Type:    ErrorTypePlanning,
		Message: message,
		Path:    path,
		Err:     err,
	}
}

func Apply(path, message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeApply,
		Message: message,
		Path:    path,
		Err:     err,
	}
}

func StaleTarget(path, message string) *Error {
	return &Error{
		Type:    ErrorTypeStaleTarget,
		Message: message,
		Path:    path,
	}
}

func AmbiguousMatchCount(path string, found int) *Error {
	return &Error{
		Type:    ErrorTypeAmbiguousMatchCount,
		Message: fmt.Sprintf("expected at least one verified match, found %d", found),
		Path:    path,
	}
}

// PartialApply reports that persisting stopped after some files were
// already replaced. The replaced files are not rolled back.
func PartialApply(applied, pending []string, err error) *Error {
	return &Error{
		Type:    ErrorTypePartialApply,
		Message: fmt.Sprintf("apply stopped after %d of %d files", len(applied), len(applied)+len(pending)),
		Paths:   applied,
		Pending: pending,
		Err:     err,
	}
}

// IsType reports whether err wraps an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
