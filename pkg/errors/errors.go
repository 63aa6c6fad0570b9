package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Messages shared by handlers when no domain error is available.
const (
	ErrInvalidRequestBody = "Invalid request body"
	ErrDBOperationFailed  = "Database operation failed"
	ErrDBRecordNotFound   = "Database record not found"
	ErrUnauthorized       = "Missing or invalid credentials"
	ErrInternal           = "Internal server error"
)

// Kind is the stable machine readable error category returned to clients.
type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindAuth            Kind = "AUTH_ERROR"
	KindForbidden       Kind = "FORBIDDEN"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindCapacity        Kind = "CAPACITY"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindExternalService Kind = "EXTERNAL_SERVICE"
	KindInternal        Kind = "INTERNAL"
)

// Error carries a Kind, a client safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so callers can test with
// errors.Is(err, errors.Conflict) style sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is.
var (
	Validation      = &Error{Kind: KindValidation}
	Auth            = &Error{Kind: KindAuth}
	Forbidden       = &Error{Kind: KindForbidden}
	NotFound        = &Error{Kind: KindNotFound}
	Conflict        = &Error{Kind: KindConflict}
	Capacity        = &Error{Kind: KindCapacity}
	RateLimited     = &Error{Kind: KindRateLimited}
	ExternalService = &Error{Kind: KindExternalService}
	Internal        = &Error{Kind: KindInternal}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func Authf(format string, args ...any) *Error       { return newf(KindAuth, format, args...) }
func Forbiddenf(format string, args ...any) *Error  { return newf(KindForbidden, format, args...) }
func NotFoundf(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Conflictf(format string, args ...any) *Error   { return newf(KindConflict, format, args...) }
func Capacityf(format string, args ...any) *Error   { return newf(KindCapacity, format, args...) }

// External wraps a failure of the identity provider, the chain or the
// compute provider.
func External(service string, err error) *Error {
	return &Error{Kind: KindExternalService, Message: service + " unavailable", Err: err}
}

// Wrap attaches kind and message to err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InternalError hides err behind a generic message.
func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: ErrInternal, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client safe message for err.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return ErrInternal
}

// HTTPStatus maps a Kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCapacity:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
