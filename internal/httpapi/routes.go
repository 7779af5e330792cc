package httpapi

import (
	"net/http"

	"devcall/internal/auth"
	"devcall/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the API on r. Everything under /v1 except login and
// refresh requires an access token.
func (h Handlers) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/auth/login", h.Login)
	v1.POST("/auth/refresh", h.Refresh)

	api := v1.Group("")
	api.Use(auth.RequireAccessToken(h.Auth), rbac.RequireIdentity())
	{
		api.GET("/me", h.Me)

		pres := api.Group("/presence")
		pres.GET("", rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleDeveloper), h.ListPresence)
		pres.PUT("", rbac.RequireAnyRole(rbac.RoleDeveloper), h.SetPresence)

		callsGroup := api.Group("/calls")
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleClient, rbac.RoleDeveloper))
		{
			callsGroup.POST("", rbac.RequireAnyRole(rbac.RoleClient), h.CreateCall)
			callsGroup.GET("/incoming", rbac.RequireAnyRole(rbac.RoleDeveloper), h.ListIncoming)
			callsGroup.GET("/outgoing", rbac.RequireAnyRole(rbac.RoleClient), h.ListOutgoing)
			callsGroup.GET("/summary", h.CallsSummary)
			callsGroup.GET("/:id", h.GetCall)
			callsGroup.POST("/:id/respond", rbac.RequireAnyRole(rbac.RoleDeveloper), h.RespondCall)
			callsGroup.POST("/:id/active", h.MarkActive)
			callsGroup.POST("/:id/end", h.EndCall)
			callsGroup.POST("/:id/token", h.IssueRoomToken)
			callsGroup.GET("/:id/watch", h.WatchCall)
		}
	}
}
