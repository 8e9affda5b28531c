package listctl

import (
	"net/http"

	"github.com/tansive/console/internal/common/apperrors"
)

var (
	// ErrList is the base error for list controller operations.
	ErrList apperrors.Error = apperrors.New("list error").SetStatusCode(http.StatusInternalServerError)

	// ErrProcessing wraps an error returned by a ProcessData hook.
	ErrProcessing apperrors.Error = ErrList.New("error processing list data")

	// ErrSuperseded is returned by a fetch whose result was discarded because
	// a newer fetch was issued on the same controller.
	ErrSuperseded apperrors.Error = ErrList.New("fetch superseded by a newer request")

	// ErrInvalidPage is returned for a page number below 1.
	ErrInvalidPage apperrors.Error = ErrList.New("page must be at least 1").SetStatusCode(http.StatusBadRequest)

	// ErrInvalidPageSize is returned for a page size below 1.
	ErrInvalidPageSize apperrors.Error = ErrList.New("page size must be at least 1").SetStatusCode(http.StatusBadRequest)

	// ErrNotMounted is returned when a fetch is requested before Mount.
	ErrNotMounted apperrors.Error = ErrList.New("list is not mounted").SetStatusCode(http.StatusBadRequest)
)
