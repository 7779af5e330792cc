package main

import (
	"log/slog"
	"net/http"
	"time"

	"devcall/internal/audit"
	"devcall/internal/auth"
	"devcall/internal/config"
	"devcall/internal/httpapi"
	"devcall/internal/reporting"
	"devcall/internal/signaling"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, authManager *auth.Manager, b *backends, log *slog.Logger) {
	ctrl := signaling.NewController(b.store, signaling.Deps{
		Directory: b.directory,
		Guard:     b.guard,
		Audit:     audit.NewService(b.audit),
		Logger:    log,
	})

	h := httpapi.Handlers{
		Auth:     authManager,
		Calls:    ctrl,
		Presence: b.directory,
		Reports:  reporting.NewService(b.store),
	}
	if cfg.Transport.AppCertificate != "" {
		h.Rooms = auth.NewRoomTokens(cfg.Transport)
	} else {
		log.Warn("TRANSPORT_APP_CERTIFICATE not set, room credentials are disabled")
	}
	h.Register(r)

	// /readyz checks the stores; /healthz only reports the process is up.
	r.GET("/readyz", func(c *gin.Context) {
		if err := b.ready(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
}
