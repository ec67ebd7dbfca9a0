package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/auth"
	"github.com/monocle-dev/huddle/internal/handlers"
	"github.com/monocle-dev/huddle/internal/middleware"
	"gorm.io/gorm"
)

func NewRouter(h *handlers.Handler, issuer *auth.Issuer, db *gorm.DB, allowedOrigins []string) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	requireUser := middleware.AuthMiddleware(issuer, db)

	api := r.Group("/api")
	{
		api.GET("/health", h.HealthCheck)

		// Authenticates from the query string or cookie before upgrading.
		api.GET("/ws", h.WebSocket)

		auth := api.Group("/auth")
		{
			auth.POST("/register", h.CreateUser)
			auth.POST("/login", h.LoginUser)
			auth.POST("/logout", h.LogoutUser)
			auth.GET("/me", requireUser, h.Me)
		}

		me := api.Group("/me", requireUser)
		{
			me.PATCH("", h.UpdateUser)
			me.DELETE("", h.DeleteUser)
			me.GET("/preferences", h.GetPreferences)
			me.PATCH("/preferences", h.UpdatePreferences)
		}

		projects := api.Group("/projects", requireUser)
		{
			projects.POST("", h.CreateProject)
			projects.GET("", h.ListProjects)
			projects.GET("/:project_id", h.GetProject)
			projects.PATCH("/:project_id", h.UpdateProject)
			projects.DELETE("/:project_id", h.DeleteProject)

			projects.GET("/:project_id/members", h.ListMembers)
			projects.POST("/:project_id/members", h.AddMember)
			projects.DELETE("/:project_id/members/:user_id", h.RemoveMember)

			projects.GET("/:project_id/tasks", h.ListTasks)
			projects.POST("/:project_id/tasks", h.CreateTask)
			projects.GET("/:project_id/tasks/:task_id", h.GetTask)
			projects.PATCH("/:project_id/tasks/:task_id", h.UpdateTask)
			projects.DELETE("/:project_id/tasks/:task_id", h.DeleteTask)

			projects.GET("/:project_id/messages", h.ListMessages)
			projects.POST("/:project_id/messages", h.CreateMessage)
			projects.PATCH("/:project_id/messages/:message_id", h.UpdateMessage)
			projects.DELETE("/:project_id/messages/:message_id", h.DeleteMessage)
		}

		notifications := api.Group("/notifications", requireUser)
		{
			notifications.GET("", h.ListNotifications)
			notifications.GET("/unread-count", h.UnreadCount)
			notifications.POST("/read", h.MarkNotificationsRead)
			notifications.POST("/read-all", h.MarkAllNotificationsRead)
			notifications.POST("/:notification_id/read", h.MarkNotificationRead)
			notifications.DELETE("/:notification_id", h.DeleteNotification)
		}
	}

	return r
}
