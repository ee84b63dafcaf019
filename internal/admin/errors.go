package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	errInternal           = "internal_error"
	errInvalidRequest     = "invalid_request"
	errPersistence        = "persistence_failed"
	errTransportDisabled  = "transport_disabled"
	errDeadLetterDisabled = "dead_letter_disabled"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, errorType, message string, err error) {
	resp := ErrorResponse{ErrorType: errorType, Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, message string, err error) {
	abort(c, http.StatusBadRequest, errInvalidRequest, message, err)
}
