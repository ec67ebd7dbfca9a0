package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/utils"
)

func (h *Handler) GetPreferences(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var user models.User

	if err := h.db.Select("id", "preferences").First(&user, userID).Error; err != nil {
		log.Printf("Failed to load preferences of user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	ctx.JSON(http.StatusOK, user.Prefs().Resolved())
}

// UpdatePreferences merges the flags present in the body over the stored
// ones; absent flags keep their value.
func (h *Handler) UpdatePreferences(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var body models.NotificationPreferences

	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var user models.User

	if err := h.db.First(&user, userID).Error; err != nil {
		log.Printf("Failed to load user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	prefs := user.Prefs().Merge(body)

	if err := user.SetNotificationPreferences(prefs); err != nil {
		log.Printf("Failed to encode preferences: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.db.Model(&user).Update("preferences", user.Preferences).Error; err != nil {
		log.Printf("Failed to save preferences of user %d: %v", userID, err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update preferences"})
		return
	}

	ctx.JSON(http.StatusOK, prefs.Resolved())
}
