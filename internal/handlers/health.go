package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/db"
)

func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	database := "ok"
	cacheState := "ok"

	if err := db.Ping(ctx, h.db); err != nil {
		status = http.StatusServiceUnavailable
		database = err.Error()
	}

	// The cache is advisory; an outage degrades performance, not availability.
	if err := h.cache.Ping(ctx); err != nil {
		cacheState = "degraded: " + err.Error()
	}

	body := gin.H{
		"status":      http.StatusText(status),
		"message":     "Huddle is running",
		"database":    database,
		"cache":       cacheState,
		"connections": h.hub.Registry().Count(),
		"online":      h.hub.Registry().OnlineUsers(),
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	if h.scheduler != nil {
		body["jobs"] = h.scheduler.Status()
	}

	c.JSON(status, body)
}
