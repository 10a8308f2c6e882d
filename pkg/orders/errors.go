package orders

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/tracing"
)

// Kind classifies a failure for span flags and HTTP status.
type Kind int

// Failure kinds.
const (
	KindClient Kind = iota + 1
	KindRejected
	KindUnavailable
	KindPersistence
	KindNotFound
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "ClientError"
	case KindRejected:
		return "BusinessRejection"
	case KindUnavailable:
		return "DownstreamUnavailable"
	case KindPersistence:
		return "PersistenceFailure"
	case KindNotFound:
		return "NotFound"
	case KindDispatch:
		return "NonCriticalDispatchFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// HTTPStatus maps the kind to a response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindClient:
		return http.StatusBadRequest
	case KindRejected:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified order workflow failure. Message is safe to show to
// callers; Err holds the internal cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome maps the kind onto span flags. Rejections and misses are expected
// results and leave the span unflagged.
func (e *Error) Outcome() tracing.Outcome {
	switch e.Kind {
	case KindClient:
		return tracing.OutcomeError
	case KindRejected, KindNotFound:
		return tracing.OutcomeNone
	case KindDispatch:
		if errors.Is(e.Err, invoke.ErrQueueFull) {
			return tracing.OutcomeThrottle
		}
		return tracing.OutcomeNone
	default:
		return tracing.OutcomeFault
	}
}

// HTTPStatus returns the response code for e.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

func clientError(format string, args ...any) *Error {
	return &Error{Kind: KindClient, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a classified error, treating anything else as a persistence failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindPersistence, Message: "internal error", Err: err}
}
