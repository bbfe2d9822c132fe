package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithRoles(mw echo.MiddlewareFunc, roles []string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	return rec, err
}

func TestRequireRole_Allowed(t *testing.T) {
	rec, err := serveWithRoles(RequireRole(RolePhysician, RoleNurse), []string{RolePhysician})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if _, err := serveWithRoles(RequireRole(RoleNurse), []string{RoleAdmin}); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	_, err := serveWithRoles(RequireRole(RoleReceptionist), []string{RolePatient})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	body, _ := httpErr.Message.(map[string]string)
	if body["error"] != "UNAUTHORIZED" || body["message"] != "requires role receptionist" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestRequireRole_SystemIsNotStaff(t *testing.T) {
	if _, err := serveWithRoles(RequireStaff(), []string{RoleSystem}); err == nil {
		t.Error("expected system role to be rejected by staff routes")
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	if _, err := serveWithRoles(RequireRole(RolePatient), nil); err == nil {
		t.Error("expected forbidden error for caller without roles")
	}
}

func TestRequireStaff(t *testing.T) {
	for _, role := range StaffRoles {
		if _, err := serveWithRoles(RequireStaff(), []string{role}); err != nil {
			t.Errorf("expected %s to pass, got %v", role, err)
		}
	}
	if _, err := serveWithRoles(RequireStaff(), []string{RolePatient}); err == nil {
		t.Error("expected patient to be rejected")
	}
}
