// Package apperr defines the error kinds shared by every pipeline stage and
// module handler. Kinds are translated to HTTP responses in one place
// (package httpx), so callers match on Kind instead of message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthenticationRequired
	KindTokenExpired
	KindAccountInactive
	KindAccountNotFound
	KindFarmSelectionRequired
	KindNoFarmRoleAssigned
	KindInsufficientPermissions
	KindValidationFailed
	KindRateLimitExceeded
	KindNotFound
	KindConflict
)

var kindCodes = map[Kind]string{
	KindInternal:                "INTERNAL_ERROR",
	KindAuthenticationRequired:  "AUTHENTICATION_REQUIRED",
	KindTokenExpired:            "TOKEN_EXPIRED",
	KindAccountInactive:         "ACCOUNT_INACTIVE",
	KindAccountNotFound:         "ACCOUNT_NOT_FOUND",
	KindFarmSelectionRequired:   "FARM_SELECTION_REQUIRED",
	KindNoFarmRoleAssigned:      "NO_FARM_ROLE_ASSIGNED",
	KindInsufficientPermissions: "INSUFFICIENT_PERMISSIONS",
	KindValidationFailed:        "VALIDATION_FAILED",
	KindRateLimitExceeded:       "RATE_LIMIT_EXCEEDED",
	KindNotFound:                "NOT_FOUND",
	KindConflict:                "CONFLICT",
}

// Code returns the stable machine-readable code of the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	// Details are merged into the error envelope (e.g. required/current
	// for permission failures, max/windowMinutes for rate limits).
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails returns e with the given details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func AuthenticationRequired(message string) *Error {
	return New(KindAuthenticationRequired, message)
}

func InsufficientPermissions(message string, details map[string]any) *Error {
	return New(KindInsufficientPermissions, message).WithDetails(details)
}

func NotFound(message string) *Error { return New(KindNotFound, message) }

func Conflict(message string) *Error { return New(KindConflict, message) }

func Internal(message string, err error) *Error { return Wrap(KindInternal, message, err) }

// Validation builds a ValidationFailed error from field messages.
func Validation(message string, fieldErrors []string) *Error {
	return New(KindValidationFailed, message).WithDetails(map[string]any{"errors": fieldErrors})
}
