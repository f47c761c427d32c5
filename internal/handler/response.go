package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// StatusFor maps an AppError code to an HTTP status. Anything else is a 500.
func StatusFor(err error) int {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeBadRequest:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithSuccess sends a 200 with data.
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, NewSuccessResponse(data))
}

// RespondWithError records err on the context for the error middleware and
// writes the mapped status. Internal details are only exposed for client
// errors.
func RespondWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := StatusFor(err)
	message := http.StatusText(status)

	var appErr *apperrors.AppError
	if status < http.StatusInternalServerError && errors.As(err, &appErr) {
		message = appErr.Message
	}
	c.AbortWithStatusJSON(status, NewErrorResponse(message))
}
