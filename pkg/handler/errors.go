package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	domainerrors "github.com/instill-ai/model-derivative-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// ErrInvalidUID is returned when a path doesn't carry a valid session UID.
var ErrInvalidUID = errors.New("invalid conversion uid")

// ErrInvalidPagination is returned for malformed page parameters.
var ErrInvalidPagination = errors.New("invalid pagination")

// ErrMissingFile is returned when an upload has no file part.
var ErrMissingFile = errors.New("missing file")

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusCode maps an error to the status of its response.
func statusCode(err error) int {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidUID),
		errors.Is(err, ErrInvalidPagination),
		errors.Is(err, ErrMissingFile),
		errors.Is(err, errorsx.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errorsx.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domainerrors.ErrSessionFinished),
		errors.Is(err, errorsx.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errorsx.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errorsx.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errorsx.ErrRateLimiting):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusCode(err)

	msg := errorsx.Message(err)
	if msg == "" {
		if status == http.StatusInternalServerError {
			msg = "Something went wrong. Please try again."
		} else {
			msg = err.Error()
		}
	}

	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}
