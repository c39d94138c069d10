// Common helper functions for catalog-API handlers.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/transientlab/skymatch/pkg/errors"
)

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeAppError maps application-level errors to HTTP status codes through
// the error-code registry. Server-side failures are masked to their default
// message so wrapped connection strings and SQL never leak to callers.
func writeAppError(c *gin.Context, err error) {
	code := errors.GetCode(err)
	status := errors.HTTPStatusForCode(code)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = errors.DefaultMessageForCode(code)
	}

	c.JSON(status, ErrorResponse{Code: string(code), Message: msg})
}

// parsePagination extracts page and page_size from query parameters.
func parsePagination(c *gin.Context) (int, int) {
	page := 1
	pageSize := 20

	if v := c.Query("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := c.Query("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}
	return page, pageSize
}

// parseIDParam reads a positive int64 path parameter.
func parseIDParam(c *gin.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrCodeBadRequest, "%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}

// parseIDQuery reads a required positive int64 query parameter.
func parseIDQuery(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, errors.Newf(errors.ErrCodeBadRequest, "%s query parameter is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrCodeBadRequest, "%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}
