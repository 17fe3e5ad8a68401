package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"waresync/internal/models"
)

type contextKey string

const (
	OperatorIDKey   contextKey = "operator_id"
	OperatorNameKey contextKey = "operator_name"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

// CreateErrorResponse creates a standardized error response
func CreateErrorResponse(code string, message string, details map[string]string) *ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.Details = details
	return &resp
}

// SendValidationError sends a validation error response
func SendValidationError(c echo.Context, field, message string) error {
	details := map[string]string{
		field: message,
	}
	return c.JSON(http.StatusBadRequest, CreateErrorResponse("VALIDATION_ERROR", "Validation failed", details))
}

// SendClientError sends a client error response
func SendClientError(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, CreateErrorResponse("CLIENT_ERROR", message, nil))
}

// SendServerError sends a server error response
func SendServerError(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, CreateErrorResponse("SERVER_ERROR", message, nil))
}

// SendNotFoundError sends a not found error response
func SendNotFoundError(c echo.Context, resource string) error {
	return c.JSON(http.StatusNotFound, CreateErrorResponse("NOT_FOUND", fmt.Sprintf("%s not found", resource), nil))
}

// SendUnauthorizedError sends an unauthorized error response
func SendUnauthorizedError(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, CreateErrorResponse("UNAUTHORIZED", "Unauthorized access", nil))
}

// SendDomainError maps the sync layer's sentinel errors onto HTTP responses.
func SendDomainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.JSON(http.StatusNotFound, CreateErrorResponse("NOT_FOUND", err.Error(), nil))
	case errors.Is(err, models.ErrValidation):
		return c.JSON(http.StatusBadRequest, CreateErrorResponse("VALIDATION_ERROR", err.Error(), nil))
	case errors.Is(err, models.ErrInsufficientStock):
		return c.JSON(http.StatusConflict, CreateErrorResponse("INSUFFICIENT_STOCK", err.Error(), nil))
	case errors.Is(err, models.ErrConflict):
		return c.JSON(http.StatusConflict, CreateErrorResponse("CONFLICT", err.Error(), nil))
	case errors.Is(err, models.ErrPartialTransfer):
		// The write is half applied; the caller needs the detail to reconcile.
		return c.JSON(http.StatusInternalServerError, CreateErrorResponse("PARTIAL_WRITE", err.Error(), nil))
	case errors.Is(err, models.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, CreateErrorResponse("REMOTE_UNAVAILABLE", err.Error(), nil))
	default:
		return SendServerError(c, err.Error())
	}
}

// ValidateRequiredString validates required string fields
func ValidateRequiredString(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidatePositiveInteger validates positive integer values with upper bounds
func ValidatePositiveInteger(value int, fieldName string, maxValue int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive", fieldName)
	}
	if value > maxValue {
		return fmt.Errorf("%s cannot exceed %d", fieldName, maxValue)
	}
	return nil
}

// ValidateDateFormat validates date strings
func ValidateDateFormat(dateStr, fieldName string) error {
	if strings.TrimSpace(dateStr) == "" {
		return nil // Empty is allowed, will be handled elsewhere
	}

	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("%s must be in YYYY-MM-DD format", fieldName)
	}

	if date.After(time.Now().AddDate(10, 0, 0)) {
		return fmt.Errorf("%s cannot be more than 10 years in the future", fieldName)
	}
	if date.Before(time.Now().AddDate(-100, 0, 0)) {
		return fmt.Errorf("%s cannot be more than 100 years ago", fieldName)
	}

	return nil
}

// GetOperatorIDFromContext extracts the operator ID from the request context
func GetOperatorIDFromContext(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(OperatorIDKey).(string)
	return operatorID, ok
}

// GetOperatorNameFromContext extracts the operator display name from the request context
func GetOperatorNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(OperatorNameKey).(string)
	return name, ok
}
