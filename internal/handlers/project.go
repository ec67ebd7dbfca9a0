package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/types"
	"github.com/monocle-dev/huddle/internal/utils"
	"gorm.io/gorm"
)

type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type UpdateProjectRequest struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	DiscordWebhook *string `json:"discord_webhook"`
	SlackWebhook   *string `json:"slack_webhook"`
}

func projectResponse(project models.Project, role string) types.ProjectResponse {
	return types.ProjectResponse{
		ID:          project.ID,
		Name:        project.Name,
		Description: project.Description,
		OwnerID:     project.OwnerID,
		Role:        role,
		CreatedAt:   project.CreatedAt,
	}
}

func (h *Handler) CreateProject(ctx *gin.Context) {
	var body CreateProjectRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Project name is required"})
		return
	}

	project := models.Project{
		Name:        name,
		Description: body.Description,
		OwnerID:     userID,
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		return tx.Create(&models.ProjectMembership{
			UserID:    userID,
			ProjectID: project.ID,
			Role:      models.RoleOwner,
		}).Error
	})

	if err != nil {
		log.Printf("Failed to create project: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create project"})
		return
	}

	h.invalidator.UserProjectsChanged(ctx.Request.Context(), userID)

	ctx.JSON(http.StatusCreated, projectResponse(project, models.RoleOwner))
}

func (h *Handler) ListProjects(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	response, err := cache.GetOrLoad(ctx.Request.Context(), h.cache, cache.UserProjectsKey(userID), h.cacheTTL,
		func(c context.Context) ([]types.ProjectResponse, error) {
			var memberships []models.ProjectMembership

			if err := h.db.WithContext(c).Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
				return nil, err
			}

			roles := make(map[uint]string, len(memberships))
			ids := make([]uint, 0, len(memberships))
			for _, m := range memberships {
				roles[m.ProjectID] = m.Role
				ids = append(ids, m.ProjectID)
			}

			out := make([]types.ProjectResponse, 0, len(ids))
			if len(ids) == 0 {
				return out, nil
			}

			var projects []models.Project

			if err := h.db.WithContext(c).Where("id IN ?", ids).Order("created_at DESC, id DESC").Find(&projects).Error; err != nil {
				return nil, err
			}

			for _, project := range projects {
				out = append(out, projectResponse(project, roles[project.ID]))
			}
			return out, nil
		})

	if err != nil {
		log.Printf("Failed to retrieve projects of user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve projects"})
		return
	}

	ctx.JSON(http.StatusOK, response)
}

func (h *Handler) loadProject(c context.Context, projectID uint) (models.Project, error) {
	return cache.GetOrLoad(c, h.cache, cache.ProjectKey(projectID), h.cacheTTL,
		func(c context.Context) (models.Project, error) {
			var project models.Project
			err := h.db.WithContext(c).First(&project, projectID).Error
			return project, err
		})
}

func (h *Handler) GetProject(ctx *gin.Context) {
	_, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	project, err := h.loadProject(ctx.Request.Context(), projectID)

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		log.Printf("Failed to retrieve project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve project"})
		return
	}

	ctx.JSON(http.StatusOK, projectResponse(project, membership.Role))
}

func (h *Handler) UpdateProject(ctx *gin.Context) {
	userID, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	if membership.Role != models.RoleOwner {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the project owner can update the project"})
		return
	}

	var body UpdateProjectRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	updates := make(map[string]interface{})

	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Project name cannot be empty"})
			return
		}
		updates["name"] = name
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}
	if body.DiscordWebhook != nil {
		updates["discord_webhook"] = strings.TrimSpace(*body.DiscordWebhook)
	}
	if body.SlackWebhook != nil {
		updates["slack_webhook"] = strings.TrimSpace(*body.SlackWebhook)
	}

	if len(updates) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "No valid fields to update"})
		return
	}

	var project models.Project

	if err := h.db.First(&project, projectID).Error; err != nil {
		log.Printf("Failed to retrieve project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update project"})
		return
	}

	if err := h.db.Model(&project).Updates(updates).Error; err != nil {
		log.Printf("Failed to update project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update project"})
		return
	}

	members, err := h.memberIDs(ctx.Request.Context(), projectID)
	if err != nil {
		log.Printf("Failed to list members of project %d: %v", projectID, err)
	}

	h.invalidator.ProjectChanged(ctx.Request.Context(), projectID, members...)

	h.broadcast(projectID, realtime.ProjectEvent{Action: realtime.ActionUpdated, Project: project, ActorID: userID})

	h.dispatcher.NotifyMany(ctx.Request.Context(), except(members, userID), notify.Request{
		Kind:    notify.KindProjectUpdate,
		Title:   "Project updated",
		Message: h.userName(ctx.Request.Context(), userID) + " updated " + project.Name,
		Payload: gin.H{"projectId": project.ID},
	})

	ctx.JSON(http.StatusOK, projectResponse(project, membership.Role))
}

func (h *Handler) DeleteProject(ctx *gin.Context) {
	userID, projectID, membership, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	if membership.Role != models.RoleOwner {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Only the project owner can delete the project"})
		return
	}

	var project models.Project

	if err := h.db.First(&project, projectID).Error; err != nil {
		log.Printf("Failed to retrieve project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete project"})
		return
	}

	members, err := h.memberIDs(ctx.Request.Context(), projectID)
	if err != nil {
		log.Printf("Failed to list members of project %d: %v", projectID, err)
	}

	var taskIDs, messageIDs []uint

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Task{}).Where("project_id = ?", projectID).Pluck("id", &taskIDs).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Message{}).Where("project_id = ?", projectID).Pluck("id", &messageIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Task{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&project).Error
	})

	if err != nil {
		log.Printf("Failed to delete project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete project"})
		return
	}

	h.invalidator.ProjectChanged(ctx.Request.Context(), projectID, members...)
	for _, id := range taskIDs {
		h.invalidator.Invalidate(ctx.Request.Context(), cache.TaskPrefix(id)+"*")
	}
	for _, id := range messageIDs {
		h.invalidator.Invalidate(ctx.Request.Context(), cache.MessagePrefix(id)+"*")
	}

	h.broadcast(projectID, realtime.ProjectEvent{Action: realtime.ActionDeleted, Project: project, ActorID: userID})
	h.hub.CloseRoom(projectID)

	ctx.JSON(http.StatusOK, gin.H{"message": "Project deleted successfully"})
}
