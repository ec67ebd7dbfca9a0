package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAddJobRunsImmediatelyAndOnTick(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	s.AddJob("count", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStatusRecordsLastError(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.AddJob("broken", time.Hour, func(context.Context) error {
		return errors.New("boom")
	})

	require.Eventually(t, func() bool {
		status := s.Status()
		return len(status) == 1 && status[0].Runs == 1
	}, time.Second, 5*time.Millisecond)

	status := s.Status()[0]
	assert.Equal(t, "broken", status.Name)
	assert.Equal(t, "boom", status.LastErr)
	assert.Equal(t, time.Hour, status.Interval)
}

func TestRemoveJobAndStop(t *testing.T) {
	s := NewScheduler()

	s.AddJob("a", time.Hour, func(context.Context) error { return nil })
	s.AddJob("b", time.Hour, func(context.Context) error { return nil })
	s.AddJob("a", time.Hour, func(context.Context) error { return nil })
	require.Len(t, s.Status(), 2)

	s.RemoveJob("a")
	require.Len(t, s.Status(), 1)

	s.Stop()
	assert.Empty(t, s.Status())

	s.AddJob("late", time.Hour, func(context.Context) error { return nil })
	assert.Empty(t, s.Status(), "jobs added after Stop are ignored")
}

func TestAddJobRejectsNonPositiveInterval(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	s.AddJob("never", 0, func(context.Context) error { return nil })
	assert.Empty(t, s.Status())
}

func newDispatcher(gdb *gorm.DB) *notify.Dispatcher {
	pusher := realtime.NewRouter(realtime.NewRegistry(), realtime.NewTracker(16))
	return notify.NewDispatcher(notify.NewGormStore(gdb), cache.NewMemoryStore(), pusher, nil, notify.Options{CounterTTL: time.Minute})
}

func TestTaskDueRemindersNotifiesOnce(t *testing.T) {
	gdb := testdb.New(t)
	d := newDispatcher(gdb)

	owner := testdb.User(t, gdb, "owner", nil)
	assignee := testdb.User(t, gdb, "assignee", nil)
	project := testdb.Project(t, gdb, "Launch", owner, assignee)

	soon := time.Now().Add(2 * time.Hour)
	later := time.Now().Add(72 * time.Hour)
	tasks := []models.Task{
		{ProjectID: project.ID, Title: "due soon", Status: models.TaskStatusTodo, CreatorID: owner.ID, AssigneeID: &assignee.ID, DueDate: &soon},
		{ProjectID: project.ID, Title: "due later", Status: models.TaskStatusTodo, CreatorID: owner.ID, AssigneeID: &assignee.ID, DueDate: &later},
		{ProjectID: project.ID, Title: "unassigned", Status: models.TaskStatusTodo, CreatorID: owner.ID, DueDate: &soon},
		{ProjectID: project.ID, Title: "done", CreatorID: owner.ID, AssigneeID: &assignee.ID, DueDate: &soon, Status: models.TaskStatusDone},
	}
	require.NoError(t, gdb.Create(&tasks).Error)

	ctx := context.Background()
	store := cache.NewMemoryStore()
	require.NoError(t, store.Set(ctx, cache.TaskKey(tasks[0].ID), tasks[0], time.Minute))
	require.NoError(t, store.Set(ctx, cache.ProjectTasksKey(project.ID), tasks, time.Minute))
	require.NoError(t, store.Set(ctx, cache.TaskKey(tasks[1].ID), tasks[1], time.Minute))

	job := TaskDueReminders(gdb, d, cache.NewInvalidator(store), 24*time.Hour)
	require.NoError(t, job(ctx))
	require.NoError(t, job(ctx))

	page, err := d.List(context.Background(), assignee.ID, notify.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, string(notify.KindTaskDue), page.Items[0].Kind)

	var stamped models.Task
	require.NoError(t, gdb.First(&stamped, tasks[0].ID).Error)
	assert.NotNil(t, stamped.DueNotifiedAt)

	var entry models.Task
	var list []models.Task
	hit, err := store.Get(ctx, cache.TaskKey(tasks[0].ID), &entry)
	require.NoError(t, err)
	assert.False(t, hit, "the reminded task's cached detail is dropped")
	hit, err = store.Get(ctx, cache.ProjectTasksKey(project.ID), &list)
	require.NoError(t, err)
	assert.False(t, hit, "the project's cached task list is dropped")
	hit, err = store.Get(ctx, cache.TaskKey(tasks[1].ID), &entry)
	require.NoError(t, err)
	assert.True(t, hit, "tasks outside the window keep their entries")
}

func TestNotificationRetentionSweepsOldReadRows(t *testing.T) {
	gdb := testdb.New(t)
	d := newDispatcher(gdb)
	user := testdb.User(t, gdb, "reader", nil)

	old := time.Now().Add(-48 * time.Hour)
	rows := []models.Notification{
		{UserID: user.ID, Kind: "mention", Title: "old read", IsRead: true, ReadAt: &old, CreatedAt: old},
		{UserID: user.ID, Kind: "mention", Title: "old unread", CreatedAt: old},
		{UserID: user.ID, Kind: "mention", Title: "fresh read", IsRead: true, CreatedAt: time.Now()},
	}
	require.NoError(t, gdb.Create(&rows).Error)

	require.NoError(t, NotificationRetention(d, 24*time.Hour)(context.Background()))

	var left []string
	require.NoError(t, gdb.Model(&models.Notification{}).Order("id").Pluck("title", &left).Error)
	assert.Equal(t, []string{"old unread", "fresh read"}, left)
}
