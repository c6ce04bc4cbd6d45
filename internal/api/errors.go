package api

import (
	"errors"
	"io/fs"
	"strconv"

	"github.com/gofiber/fiber/v2"
	nfserrors "github.com/javi11/nfsvfs/internal/errors"
)

// Standard error codes
const (
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeUpstream       = "UPSTREAM_ERROR"
	ErrCodeUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeRange          = "RANGE_NOT_SATISFIABLE"
	ErrCodeForbidden      = "FORBIDDEN"
)

// APIError is the error body of every failed response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// APIErrorResponse represents a structured error response
type APIErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewAPIError creates a new API error
func NewAPIError(code, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewAPIErrorResponse creates a new API error response
func NewAPIErrorResponse(code, message, details string) *APIErrorResponse {
	return &APIErrorResponse{
		Success: false,
		Error:   NewAPIError(code, message, details),
	}
}

// respondVFSError maps file system errors onto HTTP statuses.
func respondVFSError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, nfserrors.ErrInvalidURL):
		return RespondBadRequest(c, "Invalid file URL", err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return RespondNotFound(c, "File", err.Error())
	case errors.Is(err, fs.ErrPermission), errors.Is(err, nfserrors.ErrReadOnly):
		return RespondError(c, fiber.StatusForbidden, ErrCodeForbidden, "Access denied", err.Error())
	case errors.Is(err, nfserrors.ErrPoolClosed):
		return RespondServiceUnavailable(c, "File system is shutting down", err.Error())
	case errors.Is(err, nfserrors.ErrConnectFailed), errors.Is(err, nfserrors.ErrUpstreamIO):
		return RespondBadGateway(c, "Upstream request failed", err.Error())
	default:
		return RespondInternalError(c, "Failed to access file", err.Error())
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
