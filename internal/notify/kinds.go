package notify

import (
	"strings"

	"github.com/monocle-dev/huddle/internal/models"
)

type Kind string

const (
	KindTaskAssigned  Kind = "task_assigned"
	KindTaskDue       Kind = "task_due"
	KindTaskUpdated   Kind = "task_updated"
	KindMention       Kind = "mention"
	KindProjectUpdate Kind = "project_update"
	KindProjectInvite Kind = "project_invite"
	KindMessagePosted Kind = "message_posted"
)

// DefaultImportantKinds are the kinds that also go out by email.
var DefaultImportantKinds = []Kind{KindTaskAssigned, KindTaskDue, KindMention}

type Category string

const (
	CategoryTaskAssignments Category = "taskAssignments"
	CategoryProjectUpdates  Category = "projectUpdates"
	CategoryMentions        Category = "mentions"
	CategoryNone            Category = ""
)

// Category maps a kind to the preference flag that gates it. Kinds outside
// every category are always delivered.
func (k Kind) Category() Category {
	switch {
	case k == KindMention:
		return CategoryMentions
	case strings.HasPrefix(string(k), "task_"):
		return CategoryTaskAssignments
	case strings.HasPrefix(string(k), "project_"), k == KindMessagePosted:
		return CategoryProjectUpdates
	default:
		return CategoryNone
	}
}

// Allowed reports whether prefs let a notification of kind k be created.
func Allowed(prefs models.NotificationPreferences, k Kind) bool {
	switch k.Category() {
	case CategoryTaskAssignments:
		return prefs.TaskAssignmentsEnabled()
	case CategoryProjectUpdates:
		return prefs.ProjectUpdatesEnabled()
	case CategoryMentions:
		return prefs.MentionsEnabled()
	default:
		return true
	}
}

func ParseKinds(names []string) []Kind {
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			kinds = append(kinds, Kind(name))
		}
	}
	return kinds
}
