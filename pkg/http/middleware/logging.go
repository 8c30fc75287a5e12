package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// RequestLogging logs every request at debug level and failed ones as errors.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", status),
				applogger.Duration("latency", time.Since(start)),
			}
			if status >= 500 {
				l.Error("request failed", fields...)
			} else {
				l.Debug("request", fields...)
			}
			return nil
		}
	}
}
