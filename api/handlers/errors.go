package handlers

import (
	"errors"
	"net/http"

	"example.com/backstage/services/registry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrNotFound       = &Error{Message: "Device not found", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	ErrConflict       = &Error{Message: "Device already exists", StatusCode: http.StatusConflict, Code: "CONFLICT"}
	ErrStore          = &Error{Message: "Failed to persist change", StatusCode: http.StatusInternalServerError, Code: "STORE_ERROR"}
	ErrTransport      = &Error{Message: "Change saved but event could not be published", StatusCode: http.StatusInternalServerError, Code: "TRANSPORT_ERROR"}
	ErrInternalServer = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrUnavailable    = &Error{Message: "Service unavailable", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
)

// NewValidationError creates a new validation error with a custom message
func NewValidationError(message string) *Error {
	return &Error{
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
	}
}

// toAPIError maps registry errors onto API errors
func toAPIError(err error) (*Error, bool) {
	var apiError *Error
	switch {
	case errors.As(err, &apiError):
		return apiError, true
	case errors.Is(err, service.ErrInvalidInput):
		return NewValidationError(err.Error()), true
	case errors.Is(err, service.ErrConflict):
		return ErrConflict, true
	case errors.Is(err, service.ErrNotFound):
		return ErrNotFound, true
	case errors.Is(err, service.ErrTransport):
		return ErrTransport, false
	case errors.Is(err, service.ErrStore):
		return ErrStore, false
	}
	return ErrInternalServer, false
}

// WriteError writes an error response; server-side failures are logged
func WriteError(c *gin.Context, log *logrus.Logger, err error) {
	apiError, expected := toAPIError(err)
	if !expected {
		log.WithError(err).WithFields(logrus.Fields{
			"path":       c.Request.URL.Path,
			"request_id": c.GetString("request_id"),
		}).Error("Request failed")
	}

	c.AbortWithStatusJSON(apiError.StatusCode, ErrorResponse{
		Error: apiError.Message,
		Code:  apiError.Code,
	})
}
