package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/logging"
)

// Logger writes one line per request. Successful health probes drop to
// debug; client errors log at warn with their error code, server errors at
// error.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status, code := responseStatus(c, err)

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			case isHealthPath(req.URL.Path):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}
			if code != "" {
				evt = evt.Str("code", code)
			}

			evt.
				Str("request_id", logging.RequestIDFromContext(req.Context())).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

// responseStatus reports the status the error handler will send and, for
// API errors, the machine-readable code from the body.
func responseStatus(c echo.Context, err error) (int, string) {
	he, ok := err.(*echo.HTTPError)
	if !ok {
		if err != nil && !c.Response().Committed {
			return 500, ""
		}
		return c.Response().Status, ""
	}
	if body, ok := he.Message.(map[string]string); ok {
		return he.Code, body["error"]
	}
	return he.Code, ""
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/health/db"
}
