package handlers

import (
	"time"

	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/gin-gonic/gin"
)

// RequestLogger writes one log line per request; 5xx responses log at warn.
func RequestLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if id := c.Param("assetId"); id != "" {
			args = append(args, "asset_id", id)
		}

		if c.Writer.Status() >= 500 {
			l.Warn("request served", args...)
			return
		}
		l.Debug("request served", args...)
	}
}
