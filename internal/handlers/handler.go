package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/monocle-dev/huddle/internal/auth"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/scheduler"
	"github.com/monocle-dev/huddle/internal/services"
	"github.com/monocle-dev/huddle/internal/utils"
	"gorm.io/gorm"
)

type Deps struct {
	// Context bounds the lifetime of live connections.
	Context       context.Context
	DB            *gorm.DB
	Issuer        *auth.Issuer
	Cache         cache.Store
	CacheTTL      time.Duration
	Dispatcher    *notify.Dispatcher
	Hub           *realtime.Hub
	Webhooks      *services.Webhooks
	Scheduler     *scheduler.Scheduler
	Upgrader      *websocket.Upgrader
	Websocket     realtime.WebsocketOptions
	CookieDomain  string
	SecureCookies bool
}

// Handler serves the REST API and the websocket endpoint. Every mutation
// commits to the database, invalidates derived cache entries, and only then
// broadcasts and notifies.
type Handler struct {
	ctx           context.Context
	db            *gorm.DB
	issuer        *auth.Issuer
	cache         cache.Store
	cacheTTL      time.Duration
	invalidator   *cache.Invalidator
	dispatcher    *notify.Dispatcher
	hub           *realtime.Hub
	webhooks      *services.Webhooks
	scheduler     *scheduler.Scheduler
	upgrader      *websocket.Upgrader
	wsOpts        realtime.WebsocketOptions
	cookieDomain  string
	secureCookies bool
}

func New(deps Deps) *Handler {
	ctx := deps.Context
	if ctx == nil {
		ctx = context.Background()
	}
	upgrader := deps.Upgrader
	if upgrader == nil {
		upgrader = realtime.NewUpgrader(nil)
	}

	return &Handler{
		ctx:           ctx,
		db:            deps.DB,
		issuer:        deps.Issuer,
		cache:         deps.Cache,
		cacheTTL:      deps.CacheTTL,
		invalidator:   cache.NewInvalidator(deps.Cache),
		dispatcher:    deps.Dispatcher,
		hub:           deps.Hub,
		webhooks:      deps.Webhooks,
		scheduler:     deps.Scheduler,
		upgrader:      upgrader,
		wsOpts:        deps.Websocket,
		cookieDomain:  deps.CookieDomain,
		secureCookies: deps.SecureCookies,
	}
}

// membership returns the caller's membership in the project, writing a 404
// when the caller is not a member so project ids are not disclosed.
func (h *Handler) membership(ctx *gin.Context, projectID, userID uint) (models.ProjectMembership, bool) {
	var membership models.ProjectMembership

	err := h.db.WithContext(ctx.Request.Context()).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&membership).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		} else {
			log.Printf("Failed to load membership of user %d in project %d: %v", userID, projectID, err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return membership, false
	}

	return membership, true
}

// projectAccess resolves the current user and project id from the request
// and checks membership.
func (h *Handler) projectAccess(ctx *gin.Context) (userID, projectID uint, membership models.ProjectMembership, ok bool) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return 0, 0, membership, false
	}

	projectID, err = utils.GetProjectID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return 0, 0, membership, false
	}

	membership, ok = h.membership(ctx, projectID, userID)
	return userID, projectID, membership, ok
}

func (h *Handler) memberIDs(ctx context.Context, projectID uint) ([]uint, error) {
	var ids []uint
	err := h.db.WithContext(ctx).Model(&models.ProjectMembership{}).
		Where("project_id = ?", projectID).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (h *Handler) broadcast(projectID uint, ev realtime.Event) {
	if _, err := h.hub.Router().ToRoom(projectID, ev); err != nil {
		log.Printf("Failed to broadcast %s to project %d: %v", ev.Name(), projectID, err)
	}
}

// announce posts to the project's chat webhooks in the background.
func (h *Handler) announce(activity services.Activity) {
	if h.webhooks == nil {
		return
	}
	if activity.Project.DiscordWebhook == "" && activity.Project.SlackWebhook == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, 15*time.Second)
		defer cancel()

		if err := h.webhooks.Send(ctx, activity); err != nil {
			log.Printf("Failed to post activity for project %d: %v", activity.Project.ID, err)
		}
	}()
}

func except(ids []uint, skip uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func (h *Handler) userName(ctx context.Context, userID uint) string {
	var user models.User
	if err := h.db.WithContext(ctx).Select("id", "name").First(&user, userID).Error; err != nil {
		return "Someone"
	}
	return user.Name
}
