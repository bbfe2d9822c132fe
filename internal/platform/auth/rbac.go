package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits callers holding at least one of roles. admin passes
// every check. Rejections use the same body shape as booking errors.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles)+1)
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	allowed[RoleAdmin] = struct{}{}
	msg := "requires role " + strings.Join(roles, " or ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, has := range RolesFromContext(c.Request().Context()) {
				if _, ok := allowed[has]; ok {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, map[string]string{
				"error":   "UNAUTHORIZED",
				"message": msg,
			})
		}
	}
}

// RequireStaff admits any staff role.
func RequireStaff() echo.MiddlewareFunc {
	return RequireRole(StaffRoles...)
}
