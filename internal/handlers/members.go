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
	"github.com/monocle-dev/huddle/internal/types"
	"github.com/monocle-dev/huddle/internal/utils"
	"gorm.io/gorm"
)

type AddMemberRequest struct {
	UserID uint   `json:"userId"`
	Email  string `json:"email" binding:"omitempty,email"`
}

// ListMembers returns the project's members. The list is cached; the online
// flag is read live from the connection registry on every request.
func (h *Handler) ListMembers(ctx *gin.Context) {
	_, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	members, err := cache.GetOrLoad(ctx.Request.Context(), h.cache, cache.ProjectMembersKey(projectID), h.cacheTTL,
		func(c context.Context) ([]types.MemberResponse, error) {
			var memberships []models.ProjectMembership

			err := h.db.WithContext(c).Preload("User").
				Where("project_id = ?", projectID).
				Order("id ASC").
				Find(&memberships).Error

			if err != nil {
				return nil, err
			}

			out := make([]types.MemberResponse, 0, len(memberships))
			for _, m := range memberships {
				out = append(out, types.MemberResponse{
					UserID: m.UserID,
					Name:   m.User.Name,
					Email:  m.User.Email,
					Role:   m.Role,
				})
			}
			return out, nil
		})

	if err != nil {
		log.Printf("Failed to retrieve members of project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve members"})
		return
	}

	for i := range members {
		members[i].Online = h.hub.Registry().IsOnline(members[i].UserID)
	}

	ctx.JSON(http.StatusOK, members)
}

func (h *Handler) AddMember(ctx *gin.Context) {
	userID, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	if membership.Role != models.RoleOwner {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the project owner can add members"})
		return
	}

	var body AddMemberRequest

	if err := ctx.ShouldBindJSON(&body); err != nil || (body.UserID == 0 && body.Email == "") {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "A user id or email is required"})
		return
	}

	var invitee models.User

	query := h.db.WithContext(ctx.Request.Context())
	var err error
	if body.UserID != 0 {
		err = query.First(&invitee, body.UserID).Error
	} else {
		err = query.Where("email = ?", strings.ToLower(strings.TrimSpace(body.Email))).First(&invitee).Error
	}

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		log.Printf("Failed to look up invitee: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var existing int64
	if err := h.db.Model(&models.ProjectMembership{}).
		Where("project_id = ? AND user_id = ?", projectID, invitee.ID).
		Count(&existing).Error; err != nil {
		log.Printf("Failed to check membership: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if existing > 0 {
		ctx.JSON(http.StatusConflict, gin.H{"error": "User is already a member"})
		return
	}

	newMembership := models.ProjectMembership{
		UserID:    invitee.ID,
		ProjectID: projectID,
		Role:      models.RoleMember,
	}

	if err := h.db.Create(&newMembership).Error; err != nil {
		log.Printf("Failed to add member %d to project %d: %v", invitee.ID, projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member"})
		return
	}

	h.invalidator.ProjectMembersChanged(ctx.Request.Context(), projectID, invitee.ID)

	var project models.Project
	if err := h.db.Select("id", "name").First(&project, projectID).Error; err != nil {
		log.Printf("Failed to load project %d for invite: %v", projectID, err)
	}

	_, err = h.dispatcher.Notify(ctx.Request.Context(), notify.Request{
		UserID:  invitee.ID,
		Kind:    notify.KindProjectInvite,
		Title:   "Added to project",
		Message: fmt.Sprintf("%s added you to %s", h.userName(ctx.Request.Context(), userID), project.Name),
		Payload: gin.H{"projectId": projectID},
	})
	if err != nil {
		log.Printf("Failed to notify user %d of invite: %v", invitee.ID, err)
	}

	ctx.JSON(http.StatusCreated, types.MemberResponse{
		UserID: invitee.ID,
		Name:   invitee.Name,
		Email:  invitee.Email,
		Role:   newMembership.Role,
		Online: h.hub.Registry().IsOnline(invitee.ID),
	})
}

// RemoveMember lets the owner remove anyone but themselves, and any member
// leave. Live connections of the removed user are taken out of the room.
func (h *Handler) RemoveMember(ctx *gin.Context) {
	userID, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	targetID, err := utils.GetUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	if targetID != userID && membership.Role != models.RoleOwner {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the project owner can remove members"})
		return
	}

	var target models.ProjectMembership

	err = h.db.Where("project_id = ? AND user_id = ?", projectID, targetID).First(&target).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
			return
		}
		log.Printf("Failed to load membership: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if target.Role == models.RoleOwner {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "The project owner cannot be removed"})
		return
	}

	// Unscoped so the unique (user, project) index frees up for a re-invite.
	if err := h.db.Unscoped().Delete(&target).Error; err != nil {
		log.Printf("Failed to remove member %d from project %d: %v", targetID, projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove member"})
		return
	}

	h.invalidator.ProjectMembersChanged(ctx.Request.Context(), projectID, targetID)
	h.hub.Evict(projectID, targetID)

	ctx.JSON(http.StatusOK, gin.H{"message": "Member removed successfully"})
}
