// Package api exposes the HTTP surface of the service: document
// management, runtime configuration, and the streamed query endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/types"
)

// statusFor maps error codes onto HTTP statuses. Codes without a
// mapping report as internal errors.
func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrUnsupportedFileType:
		return http.StatusUnsupportedMediaType
	case types.ErrFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.ErrNotFound, types.ErrProviderNotFound:
		return http.StatusNotFound
	case types.ErrNoContentExtracted, types.ErrInvalidSelection, types.ErrUnsupportedStrategy:
		return http.StatusUnprocessableEntity
	case types.ErrEmbeddingFailed, types.ErrGenerationFailed:
		return http.StatusBadGateway
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the structured error payload. Unhandled
// errors surface only a generic message; the cause goes to the log
// under the same correlation id.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	appErr := types.AsError(err)
	status := appErr.HTTPStatus
	if status == 0 {
		status = statusFor(appErr.Code)
	}

	if logger != nil {
		logger.Error("request failed",
			zap.String("code", string(appErr.Code)),
			zap.String("correlation_id", appErr.CorrelationID),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, appErr)
}

// decodeJSON reads the request body into v with unknown fields
// rejected, so typos in configuration payloads fail loudly.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
