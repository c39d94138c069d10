package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes shared by every layer.
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeNotFound           ErrorCode = "COMMON_003"
	ErrCodeConflict           ErrorCode = "COMMON_004"
	ErrCodeTimeout            ErrorCode = "COMMON_005"
	ErrCodeValidation         ErrorCode = "COMMON_006"
	ErrCodeSerialization      ErrorCode = "COMMON_007"
	ErrCodeDatabaseError      ErrorCode = "COMMON_008"
	ErrCodeCacheError         ErrorCode = "COMMON_009"
	ErrCodeMessagingError     ErrorCode = "COMMON_010"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_011"
	ErrCodeNotImplemented     ErrorCode = "COMMON_012"
)

// Short aliases used at call sites throughout the codebase.
const (
	CodeInternal       = ErrCodeInternal
	CodeInvalidParam   = ErrCodeBadRequest
	CodeNotFound       = ErrCodeNotFound
	CodeConflict       = ErrCodeConflict
	CodeTimeout        = ErrCodeTimeout
	CodeValidation     = ErrCodeValidation
	CodeDatabaseError  = ErrCodeDatabaseError
	CodeCacheError     = ErrCodeCacheError
	CodeMessagingError = ErrCodeMessagingError
	CodeNotImplemented = ErrCodeNotImplemented

	// CodeOK and CodeUnknown are pseudo-codes used by GetCode and Wrap; they
	// never appear in persisted or transported errors.
	CodeOK      = ErrorCode("OK")
	CodeUnknown = ErrorCode("UNKNOWN")
)

// Geometry error codes.
//
// InvalidPosition marks detections whose coordinates cannot enter the
// association pipeline at all (NaN/Inf, declination at or beyond the poles,
// negative uncertainties). DegenerateEllipse marks zero-area uncertainty
// regions that forced the overlap test onto its point-distance fallback.
const (
	ErrCodeInvalidPosition     ErrorCode = "GEO_001"
	ErrCodeDegenerateEllipse   ErrorCode = "GEO_002"
	ErrCodeInvalidSearchRadius ErrorCode = "GEO_003"
)

// Association engine error codes.
const (
	ErrCodeIndexInconsistency ErrorCode = "ASSOC_001"
	ErrCodeDatasetBusy        ErrorCode = "ASSOC_002"
	ErrCodeSnapshotFailed     ErrorCode = "ASSOC_003"
	ErrCodeCommitFailed       ErrorCode = "ASSOC_004"
)

// Catalog error codes.
const (
	ErrCodeDatasetNotFound ErrorCode = "CAT_001"
	ErrCodeImageNotFound   ErrorCode = "CAT_002"
	ErrCodeSourceNotFound  ErrorCode = "CAT_003"
)

// Ingestion error codes.
const (
	ErrCodeMalformedBatch ErrorCode = "ING_001"
	ErrCodePublishFailed  ErrorCode = "ING_002"
)

// Domain specific aliases.
const (
	CodeInvalidPosition    = ErrCodeInvalidPosition
	CodeDegenerateEllipse  = ErrCodeDegenerateEllipse
	CodeIndexInconsistency = ErrCodeIndexInconsistency
	CodeDatasetBusy        = ErrCodeDatasetBusy
	CodeDatasetNotFound    = ErrCodeDatasetNotFound
	CodeImageNotFound      = ErrCodeImageNotFound
	CodeSourceNotFound     = ErrCodeSourceNotFound
)

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeMessagingError:     http.StatusInternalServerError,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeNotImplemented:     http.StatusNotImplemented,

	ErrCodeInvalidPosition:     http.StatusUnprocessableEntity,
	ErrCodeDegenerateEllipse:   http.StatusUnprocessableEntity,
	ErrCodeInvalidSearchRadius: http.StatusBadRequest,

	ErrCodeIndexInconsistency: http.StatusInternalServerError,
	ErrCodeDatasetBusy:        http.StatusConflict,
	ErrCodeSnapshotFailed:     http.StatusInternalServerError,
	ErrCodeCommitFailed:       http.StatusInternalServerError,

	ErrCodeDatasetNotFound: http.StatusNotFound,
	ErrCodeImageNotFound:   http.StatusNotFound,
	ErrCodeSourceNotFound:  http.StatusNotFound,

	ErrCodeMalformedBatch: http.StatusBadRequest,
	ErrCodePublishFailed:  http.StatusInternalServerError,
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeMessagingError:     "message broker error",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeInvalidPosition:     "invalid sky position",
	ErrCodeDegenerateEllipse:   "degenerate error ellipse",
	ErrCodeInvalidSearchRadius: "invalid association search radius",

	ErrCodeIndexInconsistency: "zone index inconsistent with running catalog",
	ErrCodeDatasetBusy:        "dataset is locked by another association run",
	ErrCodeSnapshotFailed:     "failed to load running-catalog snapshot",
	ErrCodeCommitFailed:       "failed to commit association decisions",

	ErrCodeDatasetNotFound: "dataset not found",
	ErrCodeImageNotFound:   "image not found",
	ErrCodeSourceNotFound:  "running source not found",

	ErrCodeMalformedBatch: "malformed detection batch",
	ErrCodePublishFailed:  "failed to publish association decisions",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError returns true if the ErrorCode corresponds to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode corresponds to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
