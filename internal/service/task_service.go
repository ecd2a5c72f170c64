// Package service holds the task use cases: field validation, dependency
// validation, the overdue sweep and the read models built on top of the
// task store.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskmanager/internal/dependency"
	"taskmanager/internal/logger"
	"taskmanager/internal/model"
	"taskmanager/internal/repository"
	"taskmanager/internal/status"
)

var ErrInvalidInput = errors.New("invalid input")

// TaskStore is the part of repository.TaskRepository the service uses.
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) error
	GetByID(ctx context.Context, id, ownerID uuid.UUID) (*model.Task, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID, ownerID uuid.UUID) ([]model.Task, error)
	List(ctx context.Context, ownerID uuid.UUID, filter repository.TaskFilter) ([]model.Task, error)
	ListOverdue(ctx context.Context, ownerID uuid.UUID, now time.Time) ([]model.Task, error)
	FindOneAndUpdate(ctx context.Context, id, ownerID uuid.UUID, patch repository.TaskPatch) (*model.Task, error)
	FindOneAndDelete(ctx context.Context, id, ownerID uuid.UUID) (*model.Task, error)
	CountDependents(ctx context.Context, taskID uuid.UUID) (int64, error)
	BulkSetOverdue(ctx context.Context, ownerID *uuid.UUID, now time.Time) (int64, error)
	Tags(ctx context.Context, ownerID uuid.UUID) ([][]string, error)
}

type DependencyValidator interface {
	Validate(ctx context.Context, taskID *uuid.UUID, proposed []uuid.UUID, ownerID uuid.UUID) error
}

type Options struct {
	// Sweep persists overdue statuses of the owner's tasks before each read.
	Sweep bool
	// Now is the service clock. Defaults to the store clock when the store
	// has one, so reads and the save hooks agree on what is late.
	Now func() time.Time
}

type clock interface {
	Now() time.Time
}

type TaskService struct {
	store     TaskStore
	validator DependencyValidator
	sweep     bool
	now       func() time.Time
	log       *zap.Logger
}

func NewTaskService(store TaskStore, validator DependencyValidator, opts Options, log *zap.Logger) *TaskService {
	if opts.Now == nil {
		opts.Now = time.Now
		if c, ok := store.(clock); ok {
			opts.Now = c.Now
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskService{
		store:     store,
		validator: validator,
		sweep:     opts.Sweep,
		now:       opts.Now,
		log:       log,
	}
}

type CreateTaskInput struct {
	Title        string
	Description  string
	DueDate      time.Time
	Priority     model.Priority
	Status       status.Status
	Tags         []string
	Dependencies []uuid.UUID
}

// ListQuery combines store-side filters with the tag filter, which is
// applied in memory.
type ListQuery struct {
	Filter repository.TaskFilter
	Tag    string
}

// DependencyView is a prerequisite as shown to the client. Missing marks a
// reference to a task that no longer exists.
type DependencyView struct {
	ID      uuid.UUID
	Title   string
	Status  status.Status
	Missing bool
}

// TaskView is a task with its effective status and resolved dependencies.
type TaskView struct {
	Task         model.Task
	Status       status.Status
	Dependencies []DependencyView
	// Blocked is set when a known prerequisite is not completed.
	Blocked bool
	// Late is set when the task is past due and not completed.
	Late bool
}

type BoardColumn struct {
	Status status.Status
	Tasks  []TaskView
}

type CalendarDay struct {
	Date  string
	Tasks []TaskView
}

type GraphNode struct {
	ID      uuid.UUID
	Title   string
	Status  status.Status
	Blocked bool
}

type GraphEdge struct {
	From uuid.UUID
	To   uuid.UUID
}

type Graph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

func (s *TaskService) Create(ctx context.Context, ownerID uuid.UUID, in CreateTaskInput) (*TaskView, error) {
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return nil, err
	}
	description, err := normalizeDescription(in.Description)
	if err != nil {
		return nil, err
	}
	if in.DueDate.IsZero() {
		return nil, invalid("due date is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return nil, invalid("priority must be one of low, medium, high")
	}
	// an explicit overdue is re-derived from the due date on save
	st := in.Status
	if st == "" {
		st = status.Pending
	}
	if !st.Valid() {
		return nil, invalid("status must be one of pending, in-progress, completed, overdue")
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	if err := s.validator.Validate(ctx, nil, in.Dependencies, ownerID); err != nil {
		return nil, err
	}

	task := &model.Task{
		OwnerID:       ownerID,
		Title:         title,
		Description:   description,
		DueDate:       in.DueDate,
		Priority:      priority,
		Status:        st,
		Tags:          tags,
		DependencyIDs: dependency.Distinct(in.Dependencies),
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	logger.FromContext(ctx, s.log).Info("task created",
		zap.String("task_id", task.ID.String()),
		zap.Int("dependencies", len(task.DependencyIDs)),
	)
	return s.viewOne(ctx, ownerID, task)
}

func (s *TaskService) List(ctx context.Context, ownerID uuid.UUID, q ListQuery) ([]TaskView, error) {
	if err := s.sweepOverdue(ctx, ownerID); err != nil {
		return nil, err
	}

	// without the sweep, stored statuses may be stale and the status filter
	// has to run on effective statuses
	filter := q.Filter
	want := filter.Status
	if !s.sweep {
		filter.Status = nil
	}

	tasks, err := s.store.List(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	views, err := s.views(ctx, ownerID, tasks)
	if err != nil {
		return nil, err
	}

	tag := strings.TrimSpace(q.Tag)
	out := views[:0]
	for _, v := range views {
		if want != nil && v.Status != *want {
			continue
		}
		if tag != "" && !hasTag(v.Task.Tags, tag) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *TaskService) Get(ctx context.Context, ownerID, id uuid.UUID) (*TaskView, error) {
	if err := s.sweepOverdue(ctx, ownerID); err != nil {
		return nil, err
	}
	task, err := s.store.GetByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.viewOne(ctx, ownerID, task)
}

// Update applies patch to the owner's task. A new dependency list is
// validated against the current graph before anything is written.
func (s *TaskService) Update(ctx context.Context, ownerID, id uuid.UUID, patch repository.TaskPatch) (*TaskView, error) {
	if patch.Empty() {
		return nil, invalid("no fields to update")
	}
	if err := normalizePatch(&patch); err != nil {
		return nil, err
	}

	if _, err := s.store.GetByID(ctx, id, ownerID); err != nil {
		return nil, err
	}

	if patch.Dependencies != nil {
		if err := s.validator.Validate(ctx, &id, *patch.Dependencies, ownerID); err != nil {
			logger.FromContext(ctx, s.log).Info("dependency update rejected",
				zap.String("task_id", id.String()),
				zap.Error(err),
			)
			return nil, err
		}
		deps := dependency.Distinct(*patch.Dependencies)
		patch.Dependencies = &deps
	}

	task, err := s.store.FindOneAndUpdate(ctx, id, ownerID, patch)
	if err != nil {
		return nil, err
	}
	return s.viewOne(ctx, ownerID, task)
}

// Delete removes the task. Tasks depending on it keep the reference.
func (s *TaskService) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	dependents, err := s.store.CountDependents(ctx, id)
	if err != nil {
		return fmt.Errorf("count dependents: %w", err)
	}

	if _, err := s.store.FindOneAndDelete(ctx, id, ownerID); err != nil {
		return err
	}

	l := logger.FromContext(ctx, s.log)
	if dependents > 0 {
		l.Warn("deleted task is still referenced as a dependency",
			zap.String("task_id", id.String()),
			zap.Int64("dependents", dependents),
		)
	}
	l.Info("task deleted", zap.String("task_id", id.String()))
	return nil
}

// Toggle flips the task between completed and pending.
func (s *TaskService) Toggle(ctx context.Context, ownerID, id uuid.UUID) (*TaskView, error) {
	task, err := s.store.GetByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	next := status.Toggle(task.Status)
	return s.Update(ctx, ownerID, id, repository.TaskPatch{Status: &next})
}

func (s *TaskService) Overdue(ctx context.Context, ownerID uuid.UUID) ([]TaskView, error) {
	if err := s.sweepOverdue(ctx, ownerID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListOverdue(ctx, ownerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	return s.views(ctx, ownerID, tasks)
}

// Board groups the owner's tasks by effective status, one column per
// status in status.All order.
func (s *TaskService) Board(ctx context.Context, ownerID uuid.UUID) ([]BoardColumn, error) {
	views, err := s.List(ctx, ownerID, ListQuery{})
	if err != nil {
		return nil, err
	}

	columns := make([]BoardColumn, len(status.All))
	index := make(map[status.Status]int, len(status.All))
	for i, st := range status.All {
		columns[i] = BoardColumn{Status: st, Tasks: []TaskView{}}
		index[st] = i
	}
	for _, v := range views {
		i := index[v.Status]
		columns[i].Tasks = append(columns[i].Tasks, v)
	}
	return columns, nil
}

// Calendar groups tasks due in [from, to] by UTC day. Nil bounds are open.
func (s *TaskService) Calendar(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]CalendarDay, error) {
	if from != nil && to != nil && to.Before(*from) {
		return nil, invalid("to must not be before from")
	}
	views, err := s.List(ctx, ownerID, ListQuery{Filter: repository.TaskFilter{From: from, To: to}})
	if err != nil {
		return nil, err
	}

	days := []CalendarDay{}
	for _, v := range views {
		date := v.Task.DueDate.UTC().Format(time.DateOnly)
		if n := len(days); n > 0 && days[n-1].Date == date {
			days[n-1].Tasks = append(days[n-1].Tasks, v)
			continue
		}
		days = append(days, CalendarDay{Date: date, Tasks: []TaskView{v}})
	}
	return days, nil
}

// Graph returns every task of the owner as a node and every dependency
// between two existing tasks as an edge from the task to its prerequisite.
func (s *TaskService) Graph(ctx context.Context, ownerID uuid.UUID) (*Graph, error) {
	views, err := s.List(ctx, ownerID, ListQuery{})
	if err != nil {
		return nil, err
	}

	g := &Graph{Nodes: make([]GraphNode, 0, len(views)), Edges: []GraphEdge{}}
	for _, v := range views {
		g.Nodes = append(g.Nodes, GraphNode{
			ID:      v.Task.ID,
			Title:   v.Task.Title,
			Status:  v.Status,
			Blocked: v.Blocked,
		})
		for _, d := range v.Dependencies {
			if d.Missing {
				continue
			}
			g.Edges = append(g.Edges, GraphEdge{From: v.Task.ID, To: d.ID})
		}
	}
	return g, nil
}

// Tags returns the owner's distinct tags, sorted.
func (s *TaskService) Tags(ctx context.Context, ownerID uuid.UUID) ([]string, error) {
	lists, err := s.store.Tags(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}

	seen := make(map[string]struct{})
	out := []string{}
	for _, tags := range lists {
		for _, t := range tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ValidateDependencies runs the dependency checks without writing. taskID
// is nil for a task that is about to be created.
func (s *TaskService) ValidateDependencies(ctx context.Context, ownerID uuid.UUID, taskID *uuid.UUID, deps []uuid.UUID) error {
	if taskID != nil {
		if _, err := s.store.GetByID(ctx, *taskID, ownerID); err != nil {
			return err
		}
	}
	return s.validator.Validate(ctx, taskID, deps, ownerID)
}

func (s *TaskService) sweepOverdue(ctx context.Context, ownerID uuid.UUID) error {
	if !s.sweep {
		return nil
	}
	n, err := s.store.BulkSetOverdue(ctx, &ownerID, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		logger.FromContext(ctx, s.log).Debug("overdue sweep", zap.Int64("updated", n))
	}
	return nil
}

func (s *TaskService) viewOne(ctx context.Context, ownerID uuid.UUID, task *model.Task) (*TaskView, error) {
	views, err := s.views(ctx, ownerID, []model.Task{*task})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// views derives effective statuses and resolves the dependencies of tasks
// with a single lookup.
func (s *TaskService) views(ctx context.Context, ownerID uuid.UUID, tasks []model.Task) ([]TaskView, error) {
	now := s.now()

	var depIDs []uuid.UUID
	for _, t := range tasks {
		depIDs = append(depIDs, t.DependencyIDs...)
	}
	deps, err := s.store.GetByIDs(ctx, dependency.Distinct(depIDs), ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolve dependencies: %w", err)
	}
	byID := make(map[uuid.UUID]model.Task, len(deps))
	for _, d := range deps {
		byID[d.ID] = d
	}

	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		v := TaskView{
			Task:         t,
			Status:       status.Derive(t.Status, t.DueDate, now),
			Late:         status.IsLate(t.Status, t.DueDate, now),
			Dependencies: make([]DependencyView, 0, len(t.DependencyIDs)),
		}
		for _, id := range t.DependencyIDs {
			d, ok := byID[id]
			if !ok {
				logger.FromContext(ctx, s.log).Warn("dangling dependency",
					zap.String("task_id", t.ID.String()),
					zap.String("depends_on", id.String()),
				)
				v.Dependencies = append(v.Dependencies, DependencyView{ID: id, Missing: true})
				continue
			}
			st := status.Derive(d.Status, d.DueDate, now)
			v.Dependencies = append(v.Dependencies, DependencyView{ID: d.ID, Title: d.Title, Status: st})
			if st != status.Completed {
				v.Blocked = true
			}
		}
		views[i] = v
	}
	return views, nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", invalid("title is required")
	}
	if utf8.RuneCountInString(title) > model.MaxTitleLength {
		return "", invalid(fmt.Sprintf("title must be at most %d characters", model.MaxTitleLength))
	}
	return title, nil
}

func normalizeDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > model.MaxDescriptionLength {
		return "", invalid(fmt.Sprintf("description must be at most %d characters", model.MaxDescriptionLength))
	}
	return description, nil
}

// normalizeTags trims tags and rejects empty or repeated ones.
func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, invalid("tags must not be empty")
		}
		if _, ok := seen[t]; ok {
			return nil, invalid("tags must be unique")
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func normalizePatch(p *repository.TaskPatch) error {
	if p.Title != nil {
		title, err := normalizeTitle(*p.Title)
		if err != nil {
			return err
		}
		p.Title = &title
	}
	if p.Description != nil {
		description, err := normalizeDescription(*p.Description)
		if err != nil {
			return err
		}
		p.Description = &description
	}
	if p.DueDate != nil && p.DueDate.IsZero() {
		return invalid("due date must not be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return invalid("priority must be one of low, medium, high")
	}
	if p.Status != nil && !p.Status.Valid() {
		return invalid("status must be one of pending, in-progress, completed, overdue")
	}
	if p.Tags != nil {
		tags, err := normalizeTags(*p.Tags)
		if err != nil {
			return err
		}
		p.Tags = &tags
	}
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
