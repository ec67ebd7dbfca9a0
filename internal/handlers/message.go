package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/services"
	"github.com/monocle-dev/huddle/internal/utils"
	"gorm.io/gorm"
)

const (
	messagePageSize = 50
	maxMessageBody  = 10000
)

type CreateMessageRequest struct {
	Body       string `json:"body" binding:"required"`
	ParentID   *uint  `json:"parentId"`
	MentionIDs []uint `json:"mentionIds"`
}

type UpdateMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

type MessagePage struct {
	Items    []models.Message `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

func cleanBody(body string) (string, bool) {
	body = strings.TrimSpace(body)
	return body, body != "" && len(body) <= maxMessageBody
}

// ListMessages pages through the project's messages, newest first. Each
// page is cached separately and every page is dropped on any message change.
func (h *Handler) ListMessages(ctx *gin.Context) {
	_, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	page := utils.QueryInt(ctx, "page", 1)
	if page < 1 {
		page = 1
	}

	result, err := cache.GetOrLoad(ctx.Request.Context(), h.cache, cache.ProjectMessagesKey(projectID, page), h.cacheTTL,
		func(c context.Context) (MessagePage, error) {
			out := MessagePage{Items: []models.Message{}, Page: page, PageSize: messagePageSize}
			scope := func() *gorm.DB {
				return h.db.WithContext(c).Model(&models.Message{}).Where("project_id = ?", projectID)
			}

			if err := scope().Count(&out.Total).Error; err != nil {
				return out, err
			}

			err := scope().Order("created_at DESC, id DESC").
				Offset((page - 1) * messagePageSize).
				Limit(messagePageSize).
				Find(&out.Items).Error
			return out, err
		})

	if err != nil {
		log.Printf("Failed to retrieve messages of project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve messages"})
		return
	}

	ctx.JSON(http.StatusOK, result)
}

func (h *Handler) message(ctx *gin.Context, projectID uint) (models.Message, bool) {
	messageID, err := utils.GetMessageID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message ID"})
		return models.Message{}, false
	}

	var message models.Message

	err = h.db.Where("id = ? AND project_id = ?", messageID, projectID).First(&message).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		} else {
			log.Printf("Failed to retrieve message %d: %v", messageID, err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve message"})
		}
		return message, false
	}

	return message, true
}

func (h *Handler) CreateMessage(ctx *gin.Context) {
	userID, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	var body CreateMessageRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	text, ok := cleanBody(body.Body)
	if !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Message body must be between 1 and 10000 characters"})
		return
	}

	var parent models.Message
	if body.ParentID != nil {
		err := h.db.Where("id = ? AND project_id = ?", *body.ParentID, projectID).First(&parent).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": "Parent message not found"})
				return
			}
			log.Printf("Failed to load parent message: %v", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	message := models.Message{
		ProjectID: projectID,
		AuthorID:  userID,
		ParentID:  body.ParentID,
		Body:      text,
	}

	if err := h.db.Create(&message).Error; err != nil {
		log.Printf("Failed to create message in project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create message"})
		return
	}

	h.invalidator.MessageChanged(ctx.Request.Context(), message.ID, projectID)
	h.broadcast(projectID, realtime.MessageEvent{Action: realtime.ActionCreated, Message: message, ActorID: userID})

	actor := h.userName(ctx.Request.Context(), userID)
	payload := gin.H{"projectId": projectID, "messageId": message.ID}

	mentioned, err := h.mentionedMembers(ctx.Request.Context(), projectID, except(body.MentionIDs, userID))
	if err != nil {
		log.Printf("Failed to resolve mentions in message %d: %v", message.ID, err)
	}

	h.dispatcher.NotifyMany(ctx.Request.Context(), mentioned, notify.Request{
		Kind:    notify.KindMention,
		Title:   "You were mentioned",
		Message: fmt.Sprintf("%s mentioned you: %s", actor, preview(text)),
		Payload: payload,
	})

	if body.ParentID != nil && parent.AuthorID != userID && !contains(mentioned, parent.AuthorID) {
		_, err := h.dispatcher.Notify(ctx.Request.Context(), notify.Request{
			UserID:  parent.AuthorID,
			Kind:    notify.KindMessagePosted,
			Title:   "New reply",
			Message: fmt.Sprintf("%s replied: %s", actor, preview(text)),
			Payload: payload,
		})
		if err != nil {
			log.Printf("Failed to notify author of message %d: %v", parent.ID, err)
		}
	}

	if h.webhooks != nil {
		var project models.Project
		if err := h.db.First(&project, projectID).Error; err == nil {
			h.announce(services.MessageActivity(project, message, actor))
		}
	}

	ctx.JSON(http.StatusCreated, message)
}

// mentionedMembers filters ids down to members of the project.
func (h *Handler) mentionedMembers(c context.Context, projectID uint, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var members []uint
	err := h.db.WithContext(c).Model(&models.ProjectMembership{}).
		Where("project_id = ? AND user_id IN ?", projectID, ids).
		Pluck("user_id", &members).Error
	return members, err
}

func (h *Handler) UpdateMessage(ctx *gin.Context) {
	userID, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	message, ok := h.message(ctx, projectID)
	if !ok {
		return
	}

	if message.AuthorID != userID {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the author can edit a message"})
		return
	}

	var body UpdateMessageRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	text, ok := cleanBody(body.Body)
	if !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Message body must be between 1 and 10000 characters"})
		return
	}

	if err := h.db.Model(&message).Update("body", text).Error; err != nil {
		log.Printf("Failed to update message %d: %v", message.ID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update message"})
		return
	}

	h.invalidator.MessageChanged(ctx.Request.Context(), message.ID, projectID)
	h.broadcast(projectID, realtime.MessageEvent{Action: realtime.ActionUpdated, Message: message, ActorID: userID})

	ctx.JSON(http.StatusOK, message)
}

func (h *Handler) DeleteMessage(ctx *gin.Context) {
	userID, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	message, ok := h.message(ctx, projectID)
	if !ok {
		return
	}

	if message.AuthorID != userID && membership.Role != models.RoleOwner {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the author or the project owner can delete a message"})
		return
	}

	if err := h.db.Delete(&message).Error; err != nil {
		log.Printf("Failed to delete message %d: %v", message.ID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete message"})
		return
	}

	h.invalidator.MessageChanged(ctx.Request.Context(), message.ID, projectID)
	h.broadcast(projectID, realtime.MessageEvent{Action: realtime.ActionDeleted, Message: message, ActorID: userID})

	ctx.JSON(http.StatusOK, gin.H{"message": "Message deleted successfully"})
}

func preview(text string) string {
	const limit = 120
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

func contains(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
