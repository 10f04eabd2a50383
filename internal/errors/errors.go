package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/trade-ledger/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents market data provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryLedger represents failures replaying a user's ledger
	CategoryLedger ErrorCategory = "ledger"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes shared with the HTTP layer
const (
	CodeUnrecognizedFormat    = "UNRECOGNIZED_FORMAT"
	CodeUnparseableRow        = "UNPARSEABLE_ROW"
	CodeMissingPrice          = "MISSING_PRICE"
	CodeMissingFxRate         = "MISSING_FX_RATE"
	CodeOversellFIFOExhausted = "OVERSELL_FIFO_EXHAUSTED"
	CodeRecomputeFailed       = "RECOMPUTE_FAILED"
	CodeInvalidParameter      = "INVALID_PARAMETER"
	CodeImportTooLarge        = "IMPORT_TOO_LARGE"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeDatabaseError         = "DATABASE_ERROR"
	CodeProviderError         = "PROVIDER_ERROR"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
)

// Sentinel errors matched with errors.Is across packages
var (
	// ErrUnrecognizedFormat means no usable columns were found in a file
	ErrUnrecognizedFormat = stderrors.New("unrecognized format")
	// ErrUnparseableRow means a single row lacks identity or amount signal
	ErrUnparseableRow = stderrors.New("unparseable row")
	// ErrRecomputeFailed means the stored history of a user could not be replayed
	ErrRecomputeFailed = stderrors.New("ledger recompute failed")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnrecognizedFormatError rejects a whole file whose columns could not be classified
func NewUnrecognizedFormatError(header []string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnrecognizedFormat,
		Message:    "no usable columns found in import header",
		Details: map[string]interface{}{
			"header": header,
		},
		Cause: ErrUnrecognizedFormat,
	}
}

// NewImportTooLargeError rejects an import exceeding the configured row limit
func NewImportTooLargeError(rows, limit int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusRequestEntityTooLarge,
		Code:       CodeImportTooLarge,
		Message:    fmt.Sprintf("import has %d rows, limit is %d", rows, limit),
		Details: map[string]interface{}{
			"rows":  rows,
			"limit": limit,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Ledger Errors

// NewRecomputeFailedError reports a fatal replay failure for one user
func NewRecomputeFailedError(userID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeRecomputeFailed,
		Message:    fmt.Sprintf("ledger recompute failed for user %s", userID),
		Details: map[string]interface{}{
			"userId": userID,
			"reason": causeText(cause),
		},
		Cause: fmt.Errorf("%w: %w", ErrRecomputeFailed, cause),
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Market Data Provider Errors

// NewProviderError creates a market data provider error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("market data provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderRateLimitError creates a provider rate limit error
func NewProviderRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_RATE_LIMIT",
		Message:    fmt.Sprintf("market data provider rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized, return as-is
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	// If it's a ServiceError, convert it
	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	switch {
	case stderrors.Is(err, ErrUnrecognizedFormat):
		return NewUnrecognizedFormatError(nil)
	case stderrors.Is(err, ErrRecomputeFailed):
		return &CategorizedError{
			Category:   CategoryLedger,
			StatusCode: http.StatusUnprocessableEntity,
			Code:       CodeRecomputeFailed,
			Message:    "ledger recompute failed",
			Cause:      err,
		}
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	status := http.StatusInternalServerError
	category := CategorySystem

	switch err.Code {
	case CodeInvalidParameter, CodeUnrecognizedFormat:
		status, category = http.StatusBadRequest, CategoryValidation
	case CodeImportTooLarge:
		status, category = http.StatusRequestEntityTooLarge, CategoryUserInput
	case CodeUnauthorized:
		status, category = http.StatusUnauthorized, CategoryAuthorization
	case CodeRecomputeFailed:
		status, category = http.StatusUnprocessableEntity, CategoryLedger
	case CodeRateLimitExceeded:
		status, category = http.StatusTooManyRequests, CategoryRateLimit
	}

	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
