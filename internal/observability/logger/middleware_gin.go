package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier returns the error type and code recorded for a failed request.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware writes one line per request. Bodies are never logged because
// subscription and credential requests carry card data.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), id))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("subscription_id", id))
		}
		if status == http.StatusPaymentRequired {
			fields = append(fields, zap.Bool("declined", true))
		}
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			kind, code := cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_type", kind), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.String("error", last.Err.Error()))
			}
		}

		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestLevel(route string, status int) zapcore.Level {
	switch {
	case quietRoutes[route]:
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
