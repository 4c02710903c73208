package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"docsteps-backend/internal/shared/server/respond"
	"docsteps-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500. Once a response has started
// (an open event stream) the body is left alone and the request is only aborted.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			streaming := c.Writer.Written()
			telemetry.Error("http.panic", map[string]any{
				"request_id": RequestIDFromContext(c),
				"method":     c.Request.Method,
				"path":       c.FullPath(),
				"panic":      rec,
				"streaming":  streaming,
				"stack":      string(debug.Stack()),
			})
			if streaming {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, "internal", "Unexpected server error", nil)
			c.Abort()
		}()
		c.Next()
	}
}
