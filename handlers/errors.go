package handlers

import (
	"errors"
	"net/http"

	cerr "github.com/Yulian302/lfusys-services-media/internal/errors"
	"github.com/gin-gonic/gin"
)

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// classify maps a service error to its HTTP status and error body.
func classify(err error) (int, ErrorBody) {
	var (
		invalid    *cerr.InvalidRequestError
		incomplete *cerr.IncompleteUploadError
		state      *cerr.InvalidStateError
		storeErr   *cerr.StoreError
	)

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, ErrorBody{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
			Details: map[string]any{"field": invalid.Field},
		}
	case errors.Is(err, cerr.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorBody{Code: "INVALID_REQUEST", Message: err.Error()}
	case errors.Is(err, cerr.ErrQuotaExceeded):
		return http.StatusConflict, ErrorBody{Code: "QUOTA_EXCEEDED", Message: err.Error()}
	case errors.Is(err, cerr.ErrSessionNotFound):
		return http.StatusNotFound, ErrorBody{Code: "SESSION_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, cerr.ErrAssetNotFound):
		return http.StatusNotFound, ErrorBody{Code: "ASSET_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, cerr.ErrInvalidPartNumber):
		return http.StatusConflict, ErrorBody{Code: "INVALID_PART_NUMBER", Message: err.Error()}
	case errors.As(err, &incomplete):
		return http.StatusConflict, ErrorBody{
			Code:    "INCOMPLETE_UPLOAD",
			Message: cerr.ErrIncompleteUpload.Error(),
			Details: map[string]any{"missing_parts": incomplete.MissingParts},
		}
	case errors.As(err, &state):
		return http.StatusConflict, ErrorBody{
			Code:    "INVALID_STATE",
			Message: err.Error(),
			Details: map[string]any{"status": state.Status},
		}
	case errors.Is(err, cerr.ErrStatusConflict):
		return http.StatusConflict, ErrorBody{Code: "CONFLICT", Message: err.Error(), Retryable: true}
	case errors.Is(err, cerr.ErrAssetNotReady):
		return http.StatusConflict, ErrorBody{Code: "ASSET_NOT_READY", Message: err.Error()}
	case errors.Is(err, cerr.ErrAlreadyExists):
		return http.StatusConflict, ErrorBody{Code: "ALREADY_EXISTS", Message: err.Error()}
	case errors.Is(err, cerr.ErrStoreCompleteFailed):
		return http.StatusBadGateway, ErrorBody{
			Code:      "STORE_COMPLETE_FAILED",
			Message:   err.Error(),
			Retryable: cerr.IsRetryable(err),
		}
	case errors.As(err, &storeErr):
		status := http.StatusBadGateway
		if storeErr.Kind == cerr.StoreTimeout {
			status = http.StatusGatewayTimeout
		}
		return status, ErrorBody{
			Code:      "STORE_ERROR",
			Message:   err.Error(),
			Retryable: storeErr.Retryable(),
			Details:   map[string]any{"op": storeErr.Op, "kind": string(storeErr.Kind)},
		}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: "INTERNAL", Message: "internal server error", Retryable: true}
	}
}

// respondError writes err and aborts the chain. Unclassified errors are
// logged, never echoed.
func (h *HttpHandler) respondError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: body})
}
