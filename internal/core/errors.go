package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the purchase and ledger services matches
// exactly one of them through errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrExternal   = errors.New("external system error")
	ErrRendering  = errors.New("document generation failed")
	ErrForbidden  = errors.New("forbidden")

	// ErrInsufficientStock is reported as a Conflict.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Error carries a taxonomy kind plus an itemized list of details.
type Error struct {
	Kind    error
	Message string
	Details []string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Cause != nil && !errors.Is(e.Kind, e.Cause) {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

func insufficientStock(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Cause: ErrInsufficientStock, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrExternal, ErrRendering, ErrForbidden} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// DetailsOf returns the itemized details of a taxonomy error, if any.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
