package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/utils"
)

type ReadManyRequest struct {
	IDs []uint `json:"ids" binding:"required"`
}

func (h *Handler) ListNotifications(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	page, err := h.dispatcher.List(ctx.Request.Context(), userID, notify.ListOptions{
		Page:       utils.QueryInt(ctx, "page", 1),
		PageSize:   utils.QueryInt(ctx, "pageSize", notify.DefaultPageSize),
		UnreadOnly: ctx.Query("unread") == "true",
	})

	if err != nil {
		log.Printf("Failed to list notifications of user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve notifications"})
		return
	}

	ctx.JSON(http.StatusOK, page)
}

func (h *Handler) UnreadCount(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	count, err := h.dispatcher.UnreadCount(ctx.Request.Context(), userID)

	if err != nil {
		log.Printf("Failed to count unread notifications of user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count notifications"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *Handler) MarkNotificationRead(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	notificationID, err := utils.GetNotificationID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification ID"})
		return
	}

	updated, err := h.dispatcher.MarkRead(ctx.Request.Context(), userID, notificationID)

	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
			return
		}
		log.Printf("Failed to mark notification %d read: %v", notificationID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notification"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) MarkNotificationsRead(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var body ReadManyRequest

	if err := ctx.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Notification ids are required"})
		return
	}

	updated, err := h.dispatcher.MarkManyRead(ctx.Request.Context(), userID, body.IDs)

	if err != nil {
		log.Printf("Failed to mark notifications of user %d read: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notifications"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) MarkAllNotificationsRead(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	updated, err := h.dispatcher.MarkAllRead(ctx.Request.Context(), userID)

	if err != nil {
		log.Printf("Failed to mark all notifications of user %d read: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notifications"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) DeleteNotification(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	notificationID, err := utils.GetNotificationID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification ID"})
		return
	}

	if err := h.dispatcher.Delete(ctx.Request.Context(), userID, notificationID); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
			return
		}
		log.Printf("Failed to delete notification %d: %v", notificationID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete notification"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Notification deleted successfully"})
}
