package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, store.Set(context.Background(), key, key, time.Minute))
	}
}

func present(store Store, key string) bool {
	var s string
	hit, _ := store.Get(context.Background(), key, &s)
	return hit
}

func TestInvalidatorTaskChanged(t *testing.T) {
	store := NewMemoryStore()
	inv := NewInvalidator(store)

	seed(t, store,
		TaskKey(9), ProjectTasksKey(1), ProjectKey(1), ProjectMessagesKey(1, 1),
		ProjectTasksKey(2), TaskKey(90),
	)

	inv.TaskChanged(context.Background(), 9, 1)

	assert.False(t, present(store, TaskKey(9)))
	assert.False(t, present(store, ProjectTasksKey(1)))
	assert.True(t, present(store, ProjectKey(1)), "project detail does not depend on tasks")
	assert.True(t, present(store, ProjectMessagesKey(1, 1)))
	assert.True(t, present(store, ProjectTasksKey(2)), "unrelated projects are untouched")
	assert.True(t, present(store, TaskKey(90)))
}

func TestInvalidatorMessageChanged(t *testing.T) {
	store := NewMemoryStore()
	inv := NewInvalidator(store)

	seed(t, store, MessageKey(3), ProjectMessagesKey(1, 1), ProjectMessagesKey(1, 2), ProjectTasksKey(1))

	n := inv.MessageChanged(context.Background(), 3, 1)

	assert.Equal(t, int64(3), n)
	assert.True(t, present(store, ProjectTasksKey(1)))
}

func TestInvalidatorProjectChanged(t *testing.T) {
	store := NewMemoryStore()
	inv := NewInvalidator(store)

	seed(t, store, ProjectKey(1), ProjectTasksKey(1), ProjectMembersKey(1),
		UserProjectsKey(4), UserProjectsKey(5), UserProjectsKey(6), ProjectKey(2))

	inv.ProjectChanged(context.Background(), 1, 4, 5)

	for _, key := range []string{ProjectKey(1), ProjectTasksKey(1), ProjectMembersKey(1), UserProjectsKey(4), UserProjectsKey(5)} {
		assert.False(t, present(store, key), key)
	}
	assert.True(t, present(store, UserProjectsKey(6)))
	assert.True(t, present(store, ProjectKey(2)))
}

func TestInvalidatorProjectMembersChanged(t *testing.T) {
	store := NewMemoryStore()
	inv := NewInvalidator(store)

	seed(t, store, ProjectKey(1), ProjectMembersKey(1), UserProjectsKey(8))

	inv.ProjectMembersChanged(context.Background(), 1, 8)

	assert.True(t, present(store, ProjectKey(1)))
	assert.False(t, present(store, ProjectMembersKey(1)))
	assert.False(t, present(store, UserProjectsKey(8)))
}

// Invalidating a prefix then reading through recomputes from the source of
// truth with current data.
func TestInvalidateThenReadRecomputes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inv := NewInvalidator(store)

	name := "before"
	load := func(context.Context) (projectView, error) {
		return projectView{ID: 1, Name: name}, nil
	}

	v, err := GetOrLoad(ctx, store, ProjectKey(1), time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "before", v.Name)

	name = "after"
	inv.Invalidate(ctx, "project:1:*")

	var cached projectView
	hit, err := store.Get(ctx, ProjectKey(1), &cached)
	require.NoError(t, err)
	assert.False(t, hit)

	v, err = GetOrLoad(ctx, store, ProjectKey(1), time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "after", v.Name)
	assert.True(t, present(store, ProjectKey(1)))
}

func TestInvalidatorDegradesWhenStoreDown(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	inv := NewInvalidator(store)
	assert.Equal(t, int64(0), inv.ProjectChanged(context.Background(), 1, 2))
}
