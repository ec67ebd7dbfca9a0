package utils

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/monocle-dev/huddle/internal/middleware"
	"github.com/monocle-dev/huddle/internal/types"
)

var (
	ErrNotAuthenticated = errors.New("user not authenticated")
	ErrInvalidUser      = errors.New("invalid user in request context")
)

// GetCurrentUser returns the user the auth middleware stored on the request.
func GetCurrentUser(ctx *gin.Context) (middleware.AuthenticatedUser, error) {
	value, exists := ctx.Get(types.ContextUserKey)
	if !exists {
		return middleware.AuthenticatedUser{}, ErrNotAuthenticated
	}

	user, ok := value.(middleware.AuthenticatedUser)
	if !ok || user.ID == 0 {
		return middleware.AuthenticatedUser{}, ErrInvalidUser
	}

	return user, nil
}

func GetCurrentUserID(ctx *gin.Context) (uint, error) {
	user, err := GetCurrentUser(ctx)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}
