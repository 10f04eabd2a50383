package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError maps a service error onto the envelope. System errors
// are logged and their cause withheld from the caller.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	svcErr := catErr.ToServiceError()
	if apperrors.IsSystemError(catErr) {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
		svcErr.Details = nil
		if catErr.Code == apperrors.CodeInternalError || catErr.Code == apperrors.CodeDatabaseError {
			svcErr.Message = "An internal error occurred"
		}
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{Error: *svcErr})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Transport-level error codes; service errors carry their own
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = apperrors.CodeUnauthorized
	ErrCodeInternal     = apperrors.CodeInternalError
	ErrCodeRateLimit    = apperrors.CodeRateLimitExceeded
	ErrCodeTooLarge     = apperrors.CodeImportTooLarge
)
