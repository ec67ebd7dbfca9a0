package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name         string         `gorm:"not null" json:"name"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string         `gorm:"not null" json:"-"`
	Preferences  datatypes.JSON `json:"-"`

	// Relationships
	OwnedProjects      []Project           `gorm:"foreignKey:OwnerID;constraint:OnUpdate:Cascade,OnDelete:SET NULL" json:"-"`
	ProjectMemberships []ProjectMembership `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	Notifications      []Notification      `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}

// NotificationPreferences holds the per-user delivery flags. A nil flag has
// never been set by the user and counts as enabled.
type NotificationPreferences struct {
	TaskAssignments    *bool `json:"taskAssignments,omitempty"`
	ProjectUpdates     *bool `json:"projectUpdates,omitempty"`
	Mentions           *bool `json:"mentions,omitempty"`
	EmailNotifications *bool `json:"emailNotifications,omitempty"`
	PushNotifications  *bool `json:"pushNotifications,omitempty"`
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

func (p NotificationPreferences) TaskAssignmentsEnabled() bool { return enabled(p.TaskAssignments) }
func (p NotificationPreferences) ProjectUpdatesEnabled() bool { return enabled(p.ProjectUpdates) }
func (p NotificationPreferences) MentionsEnabled() bool { return enabled(p.Mentions) }
func (p NotificationPreferences) EmailEnabled() bool { return enabled(p.EmailNotifications) }
func (p NotificationPreferences) PushEnabled() bool { return enabled(p.PushNotifications) }

// Merge overlays every flag set in other onto p.
func (p NotificationPreferences) Merge(other NotificationPreferences) NotificationPreferences {
	if other.TaskAssignments != nil {
		p.TaskAssignments = other.TaskAssignments
	}
	if other.ProjectUpdates != nil {
		p.ProjectUpdates = other.ProjectUpdates
	}
	if other.Mentions != nil {
		p.Mentions = other.Mentions
	}
	if other.EmailNotifications != nil {
		p.EmailNotifications = other.EmailNotifications
	}
	if other.PushNotifications != nil {
		p.PushNotifications = other.PushNotifications
	}
	return p
}

// Resolved returns a copy with every flag populated, for API responses.
func (p NotificationPreferences) Resolved() NotificationPreferences {
	b := func(v bool) *bool { return &v }
	return NotificationPreferences{
		TaskAssignments:    b(p.TaskAssignmentsEnabled()),
		ProjectUpdates:     b(p.ProjectUpdatesEnabled()),
		Mentions:           b(p.MentionsEnabled()),
		EmailNotifications: b(p.EmailEnabled()),
		PushNotifications:  b(p.PushEnabled()),
	}
}

// Prefs decodes the stored notification flags. Malformed or empty JSON
// yields the all-enabled defaults.
func (u User) Prefs() NotificationPreferences {
	var prefs NotificationPreferences
	if len(u.Preferences) == 0 {
		return prefs
	}
	if err := json.Unmarshal(u.Preferences, &prefs); err != nil {
		return NotificationPreferences{}
	}
	return prefs
}

func (u *User) SetNotificationPreferences(prefs NotificationPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	u.Preferences = raw
	return nil
}
