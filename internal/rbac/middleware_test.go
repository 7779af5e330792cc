package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"devcall/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, userID, role string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireIdentity(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "u", RoleSuperAdmin, RoleDeveloper); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_ClientCannotUseDeveloperRoute(t *testing.T) {
	if code := serve(t, "u", RoleClient, RoleDeveloper); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := serve(t, "u", "network_operator", RoleClient, RoleDeveloper); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireIdentity_UserRequired(t *testing.T) {
	if code := serve(t, "", RoleClient, RoleClient); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
