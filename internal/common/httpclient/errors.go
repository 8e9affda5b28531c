package httpclient

import (
	"net/http"

	"github.com/tansive/console/internal/common/apperrors"
)

// Unauthorized is the reserved envelope err value signalling an expired session.
const Unauthorized = "unauthorized"

var (
	// ErrRequest is the base error for every failed Send.
	ErrRequest apperrors.Error = apperrors.New("request failed")

	// ErrTransport is returned when the HTTP status is outside [200, 300).
	// The derived error carries the status code and the status text as message.
	ErrTransport apperrors.Error = ErrRequest.New("transport error").SetStatusCode(http.StatusBadGateway)

	// ErrApplication is returned when the envelope carries a non-empty err other
	// than Unauthorized. The derived error's message is the envelope err.
	ErrApplication apperrors.Error = ErrRequest.New("application error").SetStatusCode(http.StatusOK)

	// ErrUnauthorized is returned when the envelope err is Unauthorized.
	ErrUnauthorized apperrors.Error = ErrRequest.New(Unauthorized).SetStatusCode(http.StatusUnauthorized)

	// ErrNetwork is returned when no response was received, including when the
	// request was cancelled.
	ErrNetwork apperrors.Error = ErrRequest.New("network error")

	// ErrDecode is returned when a 2xx body is not a valid envelope.
	ErrDecode apperrors.Error = ErrRequest.New("invalid response envelope").SetStatusCode(http.StatusBadGateway)

	// ErrInvalidRequest is returned when the request cannot be built.
	ErrInvalidRequest apperrors.Error = ErrRequest.New("invalid request").SetStatusCode(http.StatusBadRequest)
)
