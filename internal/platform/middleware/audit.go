package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
)

const auditablePrefix = "/api/v1/"

// Audit returns Echo middleware that records every /api/v1/ request as an
// access entry: who called, which resource, which patient, and the outcome.
// Domain mutations are audited separately by the services with richer detail.
//
// A nil recorder falls back to the structured log line alone.
func Audit(logger zerolog.Logger, recorder audit.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			ctx := req.Context()
			actor := auth.UserIDFromContext(ctx)
			if actor == "" {
				actor = "anonymous"
			}
			action := "access." + httpMethodToAction(req.Method)
			meta := map[string]string{
				"method":     req.Method,
				"path":       path,
				"status":     strconv.Itoa(status),
				"resource":   extractResourceType(path),
				"remote_ip":  c.RealIP(),
				"user_agent": req.UserAgent(),
			}
			if id := extractResourceID(path); id != "" {
				meta["resource_id"] = id
			}
			if pid := extractPatientID(c); pid != "" {
				meta["patient_id"] = pid
			}

			if recorder != nil {
				recorder.Record(ctx, actor, action, meta)
			}

			logger.Debug().
				Str("type", "access").
				Str("request_id", requestIDOf(c)).
				Str("user_id", actor).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("action", action).
				Str("resource", meta["resource"]).
				Str("patient_id", meta["patient_id"]).
				Int("status", status).
				Msg("api_access")

			return err
		}
	}
}

func requestIDOf(c echo.Context) string {
	if rid, ok := c.Get("request_id").(string); ok {
		return rid
	}
	return ""
}

// isAuditablePath reports whether path is under /api/v1/.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, auditablePrefix) && len(path) > len(auditablePrefix)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment after /api/v1/.
//
//	/api/v1/appointments            -> appointments
//	/api/v1/appointments/<id>/cancel -> appointments
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, auditablePrefix), "/")
	if strings.HasPrefix(path, auditablePrefix) && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

func extractResourceID(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, auditablePrefix), "/")
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		return segments[1]
	}
	return ""
}

// extractPatientID looks for the patient the request concerns, first in the
// caller's own identity and then in the patient_id query parameter.
func extractPatientID(c echo.Context) string {
	if pid := auth.PatientIDFromContext(c.Request().Context()); pid != uuid.Nil {
		return pid.String()
	}
	if pid := c.QueryParam("patient_id"); isUUIDLike(pid) {
		return pid
	}
	return ""
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
