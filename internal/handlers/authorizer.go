package handlers

import (
	"context"

	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/realtime"
	"gorm.io/gorm"
)

// NewMembershipAuthorizer lets a user join a project's room when they are a
// member of the project.
func NewMembershipAuthorizer(db *gorm.DB) realtime.RoomAuthorizer {
	return realtime.RoomAuthorizerFunc(func(ctx context.Context, userID, roomID uint) (bool, error) {
		var count int64
		err := db.WithContext(ctx).Model(&models.ProjectMembership{}).
			Where("project_id = ? AND user_id = ?", roomID, userID).
			Count(&count).Error
		return count > 0, err
	})
}
