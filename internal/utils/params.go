package utils

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParamID parses a positive numeric path parameter.
func ParamID(ctx *gin.Context, name string) (uint, error) {
	raw := ctx.Param(name)

	if raw == "" {
		return 0, fmt.Errorf("%s not found", name)
	}

	id, err := strconv.ParseUint(raw, 10, 32)

	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}

	return uint(id), nil
}

func GetProjectID(ctx *gin.Context) (uint, error) { return ParamID(ctx, "project_id") }
func GetTaskID(ctx *gin.Context) (uint, error) { return ParamID(ctx, "task_id") }
func GetMessageID(ctx *gin.Context) (uint, error) { return ParamID(ctx, "message_id") }
func GetNotificationID(ctx *gin.Context) (uint, error) { return ParamID(ctx, "notification_id") }
func GetUserID(ctx *gin.Context) (uint, error) { return ParamID(ctx, "user_id") }

// QueryInt reads a positive integer query parameter, falling back to def.
func QueryInt(ctx *gin.Context, name string, def int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
