package lab

import (
	"errors"
	"fmt"
)

// ErrorKind groups workflow errors for transport mapping.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindDependency    ErrorKind = "dependency"
)

// Error is a typed workflow error. Code identifies the specific rule that
// was violated; Kind drives the HTTP status mapping.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Is matches two workflow errors by code so that sentinel comparisons with
// errors.Is work on wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a workflow error, or empty for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinels for errors.Is comparisons. Call sites wrap these with context
// via newError using the same code.
var (
	ErrEmptyPanel       = &Error{Kind: KindValidation, Code: "empty_panel", Message: "order must contain at least one test"}
	ErrInvalidTestCode  = &Error{Kind: KindValidation, Code: "invalid_test_code", Message: "test code is not in the catalog"}
	ErrUnknownTest      = &Error{Kind: KindValidation, Code: "unknown_test", Message: "test is not part of the order"}
	ErrOrderTerminal    = &Error{Kind: KindStateConflict, Code: "order_terminal", Message: "order is in a terminal state"}
	ErrReportFinalized  = &Error{Kind: KindStateConflict, Code: "report_finalized", Message: "report is no longer pending"}
	ErrNotCompletable   = &Error{Kind: KindStateConflict, Code: "report_not_completable", Message: "report does not cover the ordered panel"}
	ErrSelfVerification = &Error{Kind: KindAuthorization, Code: "self_verification", Message: "performer may not verify their own report"}
	ErrForbidden        = &Error{Kind: KindAuthorization, Code: "forbidden", Message: "role is not permitted to perform this action"}
	ErrStaleAggregate   = &Error{Kind: KindStateConflict, Code: "stale_version", Message: "aggregate was modified concurrently"}
	ErrOrderNotFound    = &Error{Kind: KindNotFound, Code: "order_not_found", Message: "lab order not found"}
	ErrReportNotFound   = &Error{Kind: KindNotFound, Code: "report_not_found", Message: "lab report not found"}
	ErrCatalogUnavail   = &Error{Kind: KindDependency, Code: "catalog_unavailable", Message: "test catalog is unreachable"}
)
