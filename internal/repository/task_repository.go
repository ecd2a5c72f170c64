package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskmanager/internal/model"
	"taskmanager/internal/status"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// likeEscaper makes search input match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Now is the clock the save hooks derive status with.
func (r *TaskRepository) Now() time.Time {
	return r.db.NowFunc()
}

// TaskFilter narrows List. Nil fields are not applied.
type TaskFilter struct {
	Status   *status.Status
	Priority *model.Priority
	From     *time.Time
	To       *time.Time
	// Search matches title or description, case-insensitive.
	Search string
}

// TaskPatch is a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title        *string
	Description  *string
	DueDate      *time.Time
	Priority     *model.Priority
	Status       *status.Status
	Tags         *[]string
	Dependencies *[]uuid.UUID
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && p.Priority == nil &&
		p.Status == nil && p.Tags == nil && p.Dependencies == nil
}

func (p TaskPatch) apply(t *model.Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
	}
}

// Create inserts the task and its dependency edges in one transaction.
func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		return replaceDependencies(tx, task.ID, task.DependencyIDs)
	})
}

// GetByID retrieves a task of the owner with its dependency ids
func (r *TaskRepository) GetByID(ctx context.Context, id, ownerID uuid.UUID) (*model.Task, error) {
	db := r.db.WithContext(ctx)

	var task model.Task
	if err := db.Where("id = ? AND owner_id = ?", id, ownerID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	tasks := []model.Task{task}
	if err := attachDependencies(db, tasks); err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// GetByIDs returns the owner's tasks among ids. Unknown ids are skipped.
func (r *TaskRepository) GetByIDs(ctx context.Context, ids []uuid.UUID, ownerID uuid.UUID) ([]model.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("id IN ? AND owner_id = ?", ids, ownerID).
		Find(&tasks).Error
	return tasks, err
}

// List returns the owner's tasks matching filter, ordered by due date
func (r *TaskRepository) List(ctx context.Context, ownerID uuid.UUID, filter TaskFilter) ([]model.Task, error) {
	db := r.db.WithContext(ctx)
	q := db.Where("owner_id = ?", ownerID)

	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Priority != nil {
		q = q.Where("priority = ?", *filter.Priority)
	}
	if filter.From != nil {
		q = q.Where("due_date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("due_date <= ?", filter.To.UTC())
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
		q = q.Where(`LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\'`, like, like)
	}

	var tasks []model.Task
	if err := q.Order("due_date ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	if err := attachDependencies(db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListOverdue returns the owner's tasks that are past due and not completed
func (r *TaskRepository) ListOverdue(ctx context.Context, ownerID uuid.UUID, now time.Time) ([]model.Task, error) {
	db := r.db.WithContext(ctx)

	var tasks []model.Task
	err := db.
		Where("owner_id = ? AND due_date < ? AND status <> ?", ownerID, now.UTC(), status.Completed).
		Order("due_date ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	if err := attachDependencies(db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindOneAndUpdate applies patch to the owner's task and returns the stored
// result. Rewriting the dependency list happens in the same transaction.
func (r *TaskRepository) FindOneAndUpdate(ctx context.Context, id, ownerID uuid.UUID, patch TaskPatch) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner_id = ?", id, ownerID).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		patch.apply(&task)
		if err := tx.Save(&task).Error; err != nil {
			return err
		}

		if patch.Dependencies != nil {
			task.DependencyIDs = *patch.Dependencies
			return replaceDependencies(tx, task.ID, task.DependencyIDs)
		}
		tasks := []model.Task{task}
		if err := attachDependencies(tx, tasks); err != nil {
			return err
		}
		task = tasks[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// FindOneAndDelete removes the owner's task and its outgoing edges.
// Edges of other tasks pointing at it are left in place.
func (r *TaskRepository) FindOneAndDelete(ctx context.Context, id, ownerID uuid.UUID) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner_id = ?", id, ownerID).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		tasks := []model.Task{task}
		if err := attachDependencies(tx, tasks); err != nil {
			return err
		}
		task = tasks[0]

		if err := tx.Where("task_id = ?", id).Delete(&model.TaskDependency{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Task{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CountByIdsAndOwner counts tasks among ids that belong to ownerID
func (r *TaskRepository) CountByIdsAndOwner(ctx context.Context, ids []uuid.UUID, ownerID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id IN ? AND owner_id = ?", ids, ownerID).
		Count(&count).Error
	return count, err
}

// GetDependencyIdsOf returns the stored, unvalidated dependency list of a task
func (r *TaskRepository) GetDependencyIdsOf(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&model.TaskDependency{}).
		Where("task_id = ?", taskID).
		Order("position").
		Pluck("depends_on_id", &ids).Error
	return ids, err
}

// DependencyGraph returns the adjacency list of every task of the owner
func (r *TaskRepository) DependencyGraph(ctx context.Context, ownerID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	var edges []model.TaskDependency
	err := r.db.WithContext(ctx).Model(&model.TaskDependency{}).
		Select("task_dependencies.task_id, task_dependencies.depends_on_id, task_dependencies.position").
		Joins("JOIN tasks ON tasks.id = task_dependencies.task_id").
		Where("tasks.owner_id = ?", ownerID).
		Order("task_dependencies.task_id, task_dependencies.position").
		Find(&edges).Error
	if err != nil {
		return nil, err
	}

	graph := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range edges {
		graph[e.TaskID] = append(graph[e.TaskID], e.DependsOnID)
	}
	return graph, nil
}

// CountDependents counts tasks that list taskID as a dependency
func (r *TaskRepository) CountDependents(ctx context.Context, taskID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TaskDependency{}).
		Where("depends_on_id = ?", taskID).
		Count(&count).Error
	return count, err
}

// BulkSetOverdue marks every late task that is neither completed nor already
// overdue. ownerID nil sweeps all users. Running it twice in a row affects
// no rows the second time.
func (r *TaskRepository) BulkSetOverdue(ctx context.Context, ownerID *uuid.UUID, now time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("status NOT IN ? AND due_date < ?", []status.Status{status.Completed, status.Overdue}, now.UTC())
	if ownerID != nil {
		q = q.Where("owner_id = ?", *ownerID)
	}

	result := q.UpdateColumn("status", status.Overdue)
	if result.Error != nil {
		return 0, fmt.Errorf("set overdue: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Tags returns the tag lists of every task of the owner
func (r *TaskRepository) Tags(ctx context.Context, ownerID uuid.UUID) ([][]string, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).Select("id", "tags").Where("owner_id = ?", ownerID).Find(&tasks).Error; err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Tags)
	}
	return out, nil
}

func (r *TaskRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func replaceDependencies(tx *gorm.DB, taskID uuid.UUID, ids []uuid.UUID) error {
	if err := tx.Where("task_id = ?", taskID).Delete(&model.TaskDependency{}).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	edges := make([]model.TaskDependency, len(ids))
	for i, dep := range ids {
		edges[i] = model.TaskDependency{TaskID: taskID, DependsOnID: dep, Position: i}
	}
	return tx.Create(&edges).Error
}

// attachDependencies fills DependencyIDs of tasks with one query.
func attachDependencies(db *gorm.DB, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}

	var edges []model.TaskDependency
	err := db.Where("task_id IN ?", ids).
		Order("task_id, position").
		Find(&edges).Error
	if err != nil {
		return err
	}

	byTask := make(map[uuid.UUID][]uuid.UUID, len(tasks))
	for _, e := range edges {
		byTask[e.TaskID] = append(byTask[e.TaskID], e.DependsOnID)
	}
	for i := range tasks {
		tasks[i].DependencyIDs = byTask[tasks[i].ID]
	}
	return nil
}
