package monitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ginLogger logs each request through logger. Successful requests are
// logged at Debug since clients poll /status.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// c.Request.URL.Path may be rewritten by handlers.
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		elapsed := time.Since(start).Round(time.Millisecond)

		status := c.Writer.Status()
		size := max(c.Writer.Size(), 0)

		entry := logger.WithFields(logrus.Fields{
			"status":  status,
			"elapsed": elapsed,
			"method":  c.Request.Method,
			"path":    path,
			"size":    size,
		})

		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}

		msg := fmt.Sprintf("%s %s %d (%s)", c.Request.Method, path, status, elapsed)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
