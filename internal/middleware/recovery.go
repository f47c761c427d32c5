package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/receipt-notify/pkg/logger"
)

// Recovery turns a handler panic into a 500 carrying the request id, and
// logs the panic value with its stack.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			traceID := c.GetString(ContextRequestID)
			log.ErrorStack(err, debug.Stack(), "Request panic recovered",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
				"request_id", traceID,
			)

			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
				Code:    http.StatusInternalServerError,
				Message: "Internal server error",
				TraceID: traceID,
			})
		}()
		c.Next()
	}
}
