package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/services"
	"github.com/monocle-dev/huddle/internal/utils"
	"gorm.io/gorm"
)

type CreateTaskRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *uint      `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
}

// UpdateTaskRequest is a partial update. ClearAssignee and ClearDueDate
// unset the respective fields, since a JSON null is indistinguishable from
// an absent key.
type UpdateTaskRequest struct {
	Title         *string    `json:"title"`
	Description   *string    `json:"description"`
	Status        *string    `json:"status"`
	Priority      *string    `json:"priority"`
	AssigneeID    *uint      `json:"assigneeId"`
	ClearAssignee bool       `json:"clearAssignee"`
	DueDate       *time.Time `json:"dueDate"`
	ClearDueDate  bool       `json:"clearDueDate"`
}

func validStatus(status string) bool {
	switch status {
	case models.TaskStatusTodo, models.TaskStatusInProgress, models.TaskStatusDone:
		return true
	}
	return false
}

func sameAssignee(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (h *Handler) ListTasks(ctx *gin.Context) {
	_, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	tasks, err := cache.GetOrLoad(ctx.Request.Context(), h.cache, cache.ProjectTasksKey(projectID), h.cacheTTL,
		func(c context.Context) ([]models.Task, error) {
			tasks := []models.Task{}
			err := h.db.WithContext(c).Where("project_id = ?", projectID).Order("created_at ASC, id ASC").Find(&tasks).Error
			return tasks, err
		})

	if err != nil {
		log.Printf("Failed to retrieve tasks of project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve tasks"})
		return
	}

	ctx.JSON(http.StatusOK, tasks)
}

// task loads a task of the project, writing a 404 when it belongs elsewhere.
func (h *Handler) task(ctx *gin.Context, projectID uint, cached bool) (models.Task, bool) {
	taskID, err := utils.GetTaskID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task ID"})
		return models.Task{}, false
	}

	load := func(c context.Context) (models.Task, error) {
		var task models.Task
		err := h.db.WithContext(c).First(&task, taskID).Error
		return task, err
	}

	var task models.Task
	if cached {
		task, err = cache.GetOrLoad(ctx.Request.Context(), h.cache, cache.TaskKey(taskID), h.cacheTTL, load)
	} else {
		task, err = load(ctx.Request.Context())
	}

	if err == nil && task.ProjectID != projectID {
		err = gorm.ErrRecordNotFound
	}

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		} else {
			log.Printf("Failed to retrieve task %d: %v", taskID, err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve task"})
		}
		return task, false
	}

	return task, true
}

func (h *Handler) GetTask(ctx *gin.Context) {
	_, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	task, ok := h.task(ctx, projectID, true)
	if !ok {
		return
	}

	ctx.JSON(http.StatusOK, task)
}

// assigneeIsMember writes a 400 unless the user belongs to the project.
func (h *Handler) assigneeIsMember(ctx *gin.Context, projectID uint, assigneeID *uint) bool {
	if assigneeID == nil {
		return true
	}

	var count int64
	err := h.db.Model(&models.ProjectMembership{}).
		Where("project_id = ? AND user_id = ?", projectID, *assigneeID).
		Count(&count).Error

	if err != nil {
		log.Printf("Failed to check assignee membership: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return false
	}
	if count == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Assignee must be a project member"})
		return false
	}
	return true
}

func (h *Handler) CreateTask(ctx *gin.Context) {
	userID, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	var body CreateTaskRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	title := strings.TrimSpace(body.Title)
	if title == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Task title is required"})
		return
	}

	status := body.Status
	if status == "" {
		status = models.TaskStatusTodo
	}
	if !validStatus(status) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task status"})
		return
	}

	if !h.assigneeIsMember(ctx, projectID, body.AssigneeID) {
		return
	}

	task := models.Task{
		ProjectID:   projectID,
		Title:       title,
		Description: body.Description,
		Status:      status,
		Priority:    body.Priority,
		AssigneeID:  body.AssigneeID,
		CreatorID:   userID,
		DueDate:     body.DueDate,
	}

	if err := h.db.Create(&task).Error; err != nil {
		log.Printf("Failed to create task in project %d: %v", projectID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task"})
		return
	}

	h.invalidator.TaskChanged(ctx.Request.Context(), task.ID, projectID)
	h.broadcast(projectID, realtime.TaskEvent{Action: realtime.ActionCreated, Task: task, ActorID: userID})

	actor := h.userName(ctx.Request.Context(), userID)
	if task.AssigneeID != nil && *task.AssigneeID != userID {
		h.notifyAssigned(ctx.Request.Context(), task, actor)
	}
	h.announceTask(ctx.Request.Context(), task, "created", actor)

	ctx.JSON(http.StatusCreated, task)
}

func (h *Handler) UpdateTask(ctx *gin.Context) {
	userID, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	task, ok := h.task(ctx, projectID, false)
	if !ok {
		return
	}

	var body UpdateTaskRequest

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	updates := make(map[string]interface{})

	if body.Title != nil {
		title := strings.TrimSpace(*body.Title)
		if title == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Task title cannot be empty"})
			return
		}
		updates["title"] = title
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}
	if body.Status != nil {
		if !validStatus(*body.Status) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task status"})
			return
		}
		updates["status"] = *body.Status
	}
	if body.Priority != nil {
		updates["priority"] = *body.Priority
	}

	previousAssignee := task.AssigneeID
	switch {
	case body.ClearAssignee:
		updates["assignee_id"] = nil
	case body.AssigneeID != nil:
		if !h.assigneeIsMember(ctx, projectID, body.AssigneeID) {
			return
		}
		updates["assignee_id"] = *body.AssigneeID
	}

	switch {
	case body.ClearDueDate:
		updates["due_date"] = nil
		updates["due_notified_at"] = nil
	case body.DueDate != nil:
		updates["due_date"] = *body.DueDate
		updates["due_notified_at"] = nil
	}

	if len(updates) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "No valid fields to update"})
		return
	}

	if err := h.db.Model(&task).Updates(updates).Error; err != nil {
		log.Printf("Failed to update task %d: %v", task.ID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update task"})
		return
	}

	if err := h.db.First(&task, task.ID).Error; err != nil {
		log.Printf("Failed to refresh task %d: %v", task.ID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update task"})
		return
	}

	h.invalidator.TaskChanged(ctx.Request.Context(), task.ID, projectID)
	h.broadcast(projectID, realtime.TaskEvent{Action: realtime.ActionUpdated, Task: task, ActorID: userID})

	actor := h.userName(ctx.Request.Context(), userID)
	switch {
	case task.AssigneeID == nil || *task.AssigneeID == userID:
		// nobody else to tell
	case !sameAssignee(previousAssignee, task.AssigneeID):
		h.notifyAssigned(ctx.Request.Context(), task, actor)
	default:
		_, err := h.dispatcher.Notify(ctx.Request.Context(), notify.Request{
			UserID:  *task.AssigneeID,
			Kind:    notify.KindTaskUpdated,
			Title:   "Task updated",
			Message: fmt.Sprintf("%s updated %q", actor, task.Title),
			Payload: gin.H{"projectId": projectID, "taskId": task.ID},
		})
		if err != nil {
			log.Printf("Failed to notify assignee of task %d: %v", task.ID, err)
		}
	}
	h.announceTask(ctx.Request.Context(), task, "updated", actor)

	ctx.JSON(http.StatusOK, task)
}

func (h *Handler) DeleteTask(ctx *gin.Context) {
	userID, projectID, _, ok := h.projectAccess(ctx)
	if !ok {
		return
	}

	task, ok := h.task(ctx, projectID, false)
	if !ok {
		return
	}

	if err := h.db.Delete(&task).Error; err != nil {
		log.Printf("Failed to delete task %d: %v", task.ID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete task"})
		return
	}

	h.invalidator.TaskChanged(ctx.Request.Context(), task.ID, projectID)
	h.broadcast(projectID, realtime.TaskEvent{Action: realtime.ActionDeleted, Task: task, ActorID: userID})
	h.announceTask(ctx.Request.Context(), task, "deleted", h.userName(ctx.Request.Context(), userID))

	ctx.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully"})
}

func (h *Handler) notifyAssigned(c context.Context, task models.Task, actor string) {
	_, err := h.dispatcher.Notify(c, notify.Request{
		UserID:  *task.AssigneeID,
		Kind:    notify.KindTaskAssigned,
		Title:   "Task assigned",
		Message: fmt.Sprintf("%s assigned you %q", actor, task.Title),
		Payload: gin.H{"projectId": task.ProjectID, "taskId": task.ID},
	})
	if err != nil {
		log.Printf("Failed to notify assignee of task %d: %v", task.ID, err)
	}
}

func (h *Handler) announceTask(c context.Context, task models.Task, action, actor string) {
	if h.webhooks == nil {
		return
	}
	var project models.Project
	if err := h.db.WithContext(c).First(&project, task.ProjectID).Error; err != nil {
		return
	}
	h.announce(services.TaskActivity(project, task, action, actor))
}
