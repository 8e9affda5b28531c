package session

import (
	"net/http"

	"github.com/tansive/console/internal/common/apperrors"
)

var (
	// ErrSession is the base error for session operations.
	ErrSession apperrors.Error = apperrors.New("session error").SetStatusCode(http.StatusInternalServerError)

	// ErrInvalidCredentials is returned when credentials fail validation before
	// any request is sent.
	ErrInvalidCredentials apperrors.Error = ErrSession.New("invalid credentials").SetStatusCode(http.StatusBadRequest)

	// ErrInvalidProfile is returned when the profile payload cannot be decoded.
	ErrInvalidProfile apperrors.Error = ErrSession.New("invalid profile payload").SetStatusCode(http.StatusBadGateway)

	// ErrTokenStore is returned when the token cannot be persisted.
	ErrTokenStore apperrors.Error = ErrSession.New("unable to store token")
)
