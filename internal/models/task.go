package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
)

type Task struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProjectID     uint       `gorm:"not null;index" json:"project_id"`
	Title         string     `gorm:"not null" json:"title"`
	Description   string     `json:"description"`
	Status        string     `gorm:"not null;default:todo" json:"status"`
	Priority      string     `json:"priority"`
	AssigneeID    *uint      `gorm:"index" json:"assignee_id"`
	CreatorID     uint       `gorm:"not null" json:"creator_id"`
	DueDate       *time.Time `gorm:"index" json:"due_date"`
	DueNotifiedAt *time.Time `json:"-"`

	// Relationships
	Project Project `gorm:"foreignKey:ProjectID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}
