package httpapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

// jsendResponse is the envelope of every API response. "fail" is a client
// problem carrying details in Data; "error" is a server problem with a Code.
type jsendResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, jsendResponse{Status: statusSuccess, Data: data})
}

func created(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, jsendResponse{Status: statusSuccess, Data: data})
}

func fail(c echo.Context, code int, message string, data any) error {
	return c.JSON(code, jsendResponse{Status: statusFail, Message: message, Data: data})
}

func failValidation(c echo.Context, field, problem string) error {
	return fail(c, http.StatusBadRequest, "Validation failed", map[string]any{
		"validation_errors": map[string]string{field: problem},
	})
}

func failNotFound(c echo.Context, what string) error {
	return fail(c, http.StatusNotFound, what+" not found", nil)
}

func failConflict(c echo.Context, message string, reason error) error {
	var data any
	if reason != nil {
		data = map[string]string{"reason": reason.Error()}
	}
	return fail(c, http.StatusConflict, message, data)
}

func failUnauthorized(c echo.Context, realm string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, fmt.Sprintf("Bearer realm=%q", realm))
	return fail(c, http.StatusUnauthorized, "Unauthorized", nil)
}

func failForbidden(c echo.Context, message string) error {
	return fail(c, http.StatusForbidden, message, nil)
}

// serverError writes an "error" envelope; code defaults to 500.
func serverError(c echo.Context, code int, message string) error {
	if code < http.StatusInternalServerError {
		code = http.StatusInternalServerError
	}
	return c.JSON(code, jsendResponse{Status: statusError, Message: message, Code: code})
}

func internalError(c echo.Context, message string) error {
	return serverError(c, http.StatusInternalServerError, message)
}
