package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/middleware"
	"github.com/monocle-dev/huddle/internal/realtime"
)

// WebSocket authenticates the request and only then upgrades it. Browsers
// cannot set headers on a websocket handshake, so the token may also come
// from the query string or the session cookie.
func (h *Handler) WebSocket(ctx *gin.Context) {
	token := ctx.Query("token")
	if token == "" {
		token, _ = middleware.BearerToken(ctx)
	}

	userID, err := h.hub.Authenticate(token)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.hub.Serve(h.ctx, userID, realtime.NewWebsocketTransport(conn, h.wsOpts))
}
