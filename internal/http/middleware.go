package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bot-panel/internal/metrics"
)

// requestLogger records every request through logrus and the HTTP metrics.
func requestLogger(log logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		status := c.Writer.Status()
		m.HTTPRequest(c.Request.Method, route, status, took)

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": took.String(),
			"ip":      c.ClientIP(),
		})
		if id := identityFrom(c); id != nil {
			entry = entry.WithField("account", id.Subject)
		}
		switch {
		case status >= 500:
			entry.Warn("Request failed")
		default:
			entry.Debug("Request served")
		}
	}
}
