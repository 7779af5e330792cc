package httpapi

import (
	"context"
	"errors"
	"net/http"

	"devcall/internal/auth"
	"devcall/internal/calls"
	"devcall/internal/presence"
	"devcall/internal/reporting"
	"devcall/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Error codes carried in the "code" field of error responses. Remote
// clients map them back to the package sentinels.
const (
	CodeInvalidArgument      = "invalid_argument"
	CodeUnauthorized         = "unauthorized"
	CodeNotFound             = "not_found"
	CodeResponderNotFound    = "responder_not_found"
	CodeResponderUnavailable = "responder_unavailable"
	CodeCallInFlight         = "call_in_flight"
	CodeInvalidTransition    = "invalid_transition"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var codeErrors = map[string]error{
	CodeInvalidArgument:      signaling.ErrInvalidArgument,
	CodeUnauthorized:         calls.ErrUnauthorized,
	CodeNotFound:             signaling.ErrRecordNotFound,
	CodeResponderNotFound:    signaling.ErrResponderNotFound,
	CodeResponderUnavailable: signaling.ErrResponderUnavailable,
	CodeCallInFlight:         signaling.ErrCallInFlight,
	CodeInvalidTransition:    calls.ErrInvalidTransition,
	CodeUnavailable:          signaling.ErrStoreUnavailable,
}

// classify maps err to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, signaling.ErrInvalidArgument),
		errors.Is(err, presence.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, CodeInvalidArgument
	case errors.Is(err, calls.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, signaling.ErrRecordNotFound), errors.Is(err, presence.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, signaling.ErrResponderNotFound):
		return http.StatusNotFound, CodeResponderNotFound
	case errors.Is(err, signaling.ErrResponderUnavailable):
		return http.StatusConflict, CodeResponderUnavailable
	case errors.Is(err, signaling.ErrCallInFlight):
		return http.StatusConflict, CodeCallInFlight
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, signaling.ErrStoreUnavailable),
		errors.Is(err, auth.ErrRoomTokenUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ErrorFromCode rebuilds the sentinel for a response code. Unknown codes
// return nil.
func ErrorFromCode(code string) error {
	return codeErrors[code]
}

func abortWithError(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Code: code})
}

func abortBadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, Code: CodeInvalidArgument})
}
