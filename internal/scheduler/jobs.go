package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"gorm.io/gorm"
)

const (
	JobNotificationRetention = "notification-retention"
	JobTaskDueReminders      = "task-due-reminders"
)

// NotificationRetention deletes read notifications older than age.
func NotificationRetention(dispatcher *notify.Dispatcher, age time.Duration) JobFunc {
	return func(ctx context.Context) error {
		n, err := dispatcher.Sweep(ctx, age)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("Swept %d read notifications older than %v", n, age)
		}
		return nil
	}
}

// TaskDueReminders sends one task_due notification per open, assigned task
// whose due date falls within window. A task is reminded again only after
// its due date changes. Stamping the reminder is a task write, so the task's
// cached entries are dropped.
func TaskDueReminders(db *gorm.DB, dispatcher *notify.Dispatcher, invalidator *cache.Invalidator, window time.Duration) JobFunc {
	return func(ctx context.Context) error {
		now := time.Now()

		var tasks []models.Task
		err := db.WithContext(ctx).
			Where("assignee_id IS NOT NULL AND due_notified_at IS NULL AND status <> ?", models.TaskStatusDone).
			Where("due_date IS NOT NULL AND due_date <= ?", now.Add(window)).
			Find(&tasks).Error
		if err != nil {
			return fmt.Errorf("load due tasks: %w", err)
		}

		for _, task := range tasks {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			title := "Task due soon"
			if task.DueDate.Before(now) {
				title = "Task overdue"
			}

			_, err := dispatcher.Notify(ctx, notify.Request{
				UserID:  *task.AssigneeID,
				Kind:    notify.KindTaskDue,
				Title:   title,
				Message: fmt.Sprintf("%q is due %s", task.Title, task.DueDate.UTC().Format("2006-01-02 15:04 UTC")),
				Payload: map[string]uint{"projectId": task.ProjectID, "taskId": task.ID},
			})
			if err != nil {
				log.Printf("Failed to remind assignee of task %d: %v", task.ID, err)
				continue
			}

			if err := db.WithContext(ctx).Model(&task).Update("due_notified_at", now).Error; err != nil {
				log.Printf("Failed to stamp reminder on task %d: %v", task.ID, err)
				continue
			}
			invalidator.TaskChanged(ctx, task.ID, task.ProjectID)
		}

		return nil
	}
}
