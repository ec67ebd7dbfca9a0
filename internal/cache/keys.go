package cache

import (
	"fmt"
	"strconv"
)

const (
	segmentProject       = "project"
	segmentTask          = "task"
	segmentMessage       = "message"
	segmentUser          = "user"
	segmentNotifications = "notifications"
)

func id(v uint) string { return strconv.FormatUint(uint64(v), 10) }

func ProjectPrefix(projectID uint) string { return segmentProject + ":" + id(projectID) + ":" }
func TaskPrefix(taskID uint) string { return segmentTask + ":" + id(taskID) + ":" }
func MessagePrefix(messageID uint) string { return segmentMessage + ":" + id(messageID) + ":" }
func UserPrefix(userID uint) string { return segmentUser + ":" + id(userID) + ":" }

func ProjectKey(projectID uint) string { return ProjectPrefix(projectID) + "detail" }
func ProjectTasksKey(projectID uint) string { return ProjectPrefix(projectID) + "tasks" }
func ProjectMembersKey(projectID uint) string { return ProjectPrefix(projectID) + "members" }
func ProjectMessagesPrefix(projectID uint) string { return ProjectPrefix(projectID) + "messages:" }

func ProjectMessagesKey(projectID uint, page int) string {
	return fmt.Sprintf("%s%d", ProjectMessagesPrefix(projectID), page)
}

func TaskKey(taskID uint) string { return TaskPrefix(taskID) + "detail" }
func MessageKey(messageID uint) string { return MessagePrefix(messageID) + "detail" }
func UserProjectsKey(userID uint) string { return UserPrefix(userID) + "projects" }
func UnreadCountKey(userID uint) string { return segmentNotifications + ":unread:" + id(userID) }
