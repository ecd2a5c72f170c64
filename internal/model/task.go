package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskmanager/internal/status"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
)

type Task struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	OwnerID     uuid.UUID     `gorm:"type:uuid;not null;index:idx_tasks_owner_due,priority:1"`
	Title       string        `gorm:"size:100;not null"`
	Description string        `gorm:"size:500"`
	DueDate     time.Time     `gorm:"not null;index:idx_tasks_owner_due,priority:2"`
	Priority    Priority      `gorm:"size:16;not null"`
	Status      status.Status `gorm:"size:16;not null;index"`
	Tags        []string      `gorm:"type:text;serializer:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// DependencyIDs is stored in task_dependencies, ordered by position.
	DependencyIDs []uuid.UUID `gorm:"-"`
}

// TaskDependency is an edge task -> prerequisite.
type TaskDependency struct {
	TaskID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DependsOnID uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Position    int       `gorm:"not null"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// BeforeSave forces overdue on a late task that is not completed, whatever
// status the caller asked for.
func (t *Task) BeforeSave(tx *gorm.DB) error {
	t.DueDate = t.DueDate.UTC()
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	t.Status = status.ApplyOnSave(t.Status, t.DueDate, tx.NowFunc())
	return nil
}
