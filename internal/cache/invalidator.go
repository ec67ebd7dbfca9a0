package cache

import (
	"context"
	"log"
)

// Invalidator deletes the cache entries derived from a mutated entity. It is
// called after the relational write commits and before anything is
// broadcast, so readers that see an event never see the pre-write entry.
type Invalidator struct {
	store Store
}

func NewInvalidator(store Store) *Invalidator {
	return &Invalidator{store: store}
}

// Invalidate deletes every key under pattern and reports how many were
// removed. Store failures are logged and count as zero.
func (i *Invalidator) Invalidate(ctx context.Context, pattern string) int64 {
	n, err := i.store.DeletePrefix(ctx, pattern)
	if err != nil {
		log.Printf("[cache] invalidate %s failed: %v", pattern, err)
	}
	return n
}

func (i *Invalidator) invalidateAll(ctx context.Context, patterns ...string) int64 {
	var total int64
	for _, pattern := range patterns {
		total += i.Invalidate(ctx, pattern)
	}
	return total
}

// ProjectChanged covers the project's own entries and the project lists of
// its members, whose cached rows embed the project name.
func (i *Invalidator) ProjectChanged(ctx context.Context, projectID uint, memberIDs ...uint) int64 {
	patterns := []string{ProjectPrefix(projectID) + "*"}
	for _, userID := range memberIDs {
		patterns = append(patterns, UserProjectsKey(userID))
	}
	return i.invalidateAll(ctx, patterns...)
}

// ProjectMembersChanged covers the member list and the project lists of the
// users who joined or left.
func (i *Invalidator) ProjectMembersChanged(ctx context.Context, projectID uint, userIDs ...uint) int64 {
	patterns := []string{ProjectMembersKey(projectID)}
	for _, userID := range userIDs {
		patterns = append(patterns, UserProjectsKey(userID))
	}
	return i.invalidateAll(ctx, patterns...)
}

// TaskChanged covers the task and its project's task list, leaving the rest
// of the project's entries alone.
func (i *Invalidator) TaskChanged(ctx context.Context, taskID, projectID uint) int64 {
	return i.invalidateAll(ctx,
		TaskPrefix(taskID)+"*",
		ProjectTasksKey(projectID),
	)
}

// MessageChanged covers the message and every cached page of its project's
// message list.
func (i *Invalidator) MessageChanged(ctx context.Context, messageID, projectID uint) int64 {
	return i.invalidateAll(ctx,
		MessagePrefix(messageID)+"*",
		ProjectMessagesPrefix(projectID)+"*",
	)
}

func (i *Invalidator) UserProjectsChanged(ctx context.Context, userIDs ...uint) int64 {
	patterns := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		patterns = append(patterns, UserProjectsKey(userID))
	}
	return i.invalidateAll(ctx, patterns...)
}
