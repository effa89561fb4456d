package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so callers can decide how to surface them.
type Kind string

const (
	// KindTransport covers network failures, timeouts and 5xx answers.
	// Last-good state is kept and the next poll is the retry.
	KindTransport Kind = "transport"
	// KindValidation means the payload did not have the expected shape.
	KindValidation Kind = "validation"
	// KindConflict means the entity is no longer in a state that allows
	// the requested action.
	KindConflict Kind = "conflict"
	// KindBusiness is a business-rule refusal such as missing credits.
	KindBusiness     Kind = "business"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
)

// Error is returned by every Client call and by client-side pre-checks.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Conflict builds a state-conflict error detected without a round trip.
func Conflict(op, format string, args ...any) error {
	return &Error{Op: op, Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds a validation error detected without a round trip.
func Invalid(op, format string, args ...any) error {
	return &Error{Op: op, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind of err. Errors carrying their own Kind method
// (for example business-rule errors) are honoured. Unclassified errors are
// treated as transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusPaymentRequired:
		return KindBusiness
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return KindConflict
	case status == http.StatusBadRequest:
		return KindValidation
	default:
		return KindTransport
	}
}
