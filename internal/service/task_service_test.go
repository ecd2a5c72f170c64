package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taskmanager/internal/database"
	"taskmanager/internal/dependency"
	"taskmanager/internal/model"
	"taskmanager/internal/repository"
	"taskmanager/internal/service"
	"taskmanager/internal/status"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db   *gorm.DB
	repo *repository.TaskRepository
	svc  *service.TaskService
	logs *observer.ObservedLogs
}

func setup(t *testing.T, sweep bool) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	repo := repository.NewTaskRepository(db)
	validator := dependency.NewValidator(repo, dependency.Options{PreloadGraph: true, MaxNodes: 100}, log)
	svc := service.NewTaskService(repo, validator, service.Options{
		Sweep: sweep,
		Now:   func() time.Time { return testNow },
	}, log)

	return &fixture{db: db, repo: repo, svc: svc, logs: logs}
}

func (f *fixture) create(t *testing.T, owner uuid.UUID, title string, due time.Time, deps ...uuid.UUID) *service.TaskView {
	t.Helper()
	v, err := f.svc.Create(context.Background(), owner, service.CreateTaskInput{
		Title:        title,
		DueDate:      due,
		Dependencies: deps,
	})
	require.NoError(t, err)
	return v
}

func depIDs(v *service.TaskView) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(v.Dependencies))
	for _, d := range v.Dependencies {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestCycleRejectedLeavesDependenciesUnchanged(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()
	due := testNow.Add(48 * time.Hour)

	a := f.create(t, owner, "A", due)
	b := f.create(t, owner, "B", due, a.Task.ID)
	c := f.create(t, owner, "C", due, b.Task.ID)

	deps := []uuid.UUID{c.Task.ID}
	_, err := f.svc.Update(ctx, owner, a.Task.ID, repository.TaskPatch{Dependencies: &deps})
	assert.ErrorIs(t, err, dependency.ErrCircularDependency)

	got, err := f.svc.Get(ctx, owner, a.Task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestSelfDependencyRejected(t *testing.T) {
	f := setup(t, true)
	owner := uuid.New()
	a := f.create(t, owner, "A", testNow.Add(time.Hour))

	deps := []uuid.UUID{a.Task.ID}
	_, err := f.svc.Update(context.Background(), owner, a.Task.ID, repository.TaskPatch{Dependencies: &deps})
	assert.ErrorIs(t, err, dependency.ErrCircularDependency)
}

func TestLateTaskReadsOverdueUntilCompleted(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	v, err := f.svc.Create(ctx, owner, service.CreateTaskInput{
		Title:   "Pay rent",
		DueDate: testNow.Add(-24 * time.Hour),
		Status:  status.Pending,
	})
	require.NoError(t, err)
	assert.Equal(t, status.Overdue, v.Status)
	assert.Equal(t, status.Overdue, v.Task.Status)

	got, err := f.svc.Get(ctx, owner, v.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Overdue, got.Status)

	completed := status.Completed
	updated, err := f.svc.Update(ctx, owner, v.Task.ID, repository.TaskPatch{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, status.Completed, updated.Status)

	got, err = f.svc.Get(ctx, owner, v.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, got.Status)
}

func TestForeignDependencyRejected(t *testing.T) {
	f := setup(t, true)
	alice, bob := uuid.New(), uuid.New()
	foreign := f.create(t, bob, "Bob's task", testNow.Add(time.Hour))

	_, err := f.svc.Create(context.Background(), alice, service.CreateTaskInput{
		Title:        "Alice's task",
		DueDate:      testNow.Add(time.Hour),
		Dependencies: []uuid.UUID{foreign.Task.ID},
	})
	assert.ErrorIs(t, err, dependency.ErrInvalidDependency)

	tasks, err := f.svc.List(context.Background(), alice, service.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateValidation(t *testing.T) {
	f := setup(t, true)
	owner := uuid.New()
	due := testNow.Add(time.Hour)

	cases := map[string]service.CreateTaskInput{
		"blank title":      {Title: "   ", DueDate: due},
		"long title":       {Title: strings.Repeat("x", 101), DueDate: due},
		"long description": {Title: "t", Description: strings.Repeat("x", 501), DueDate: due},
		"missing due date": {Title: "t"},
		"bad priority":     {Title: "t", DueDate: due, Priority: "urgent"},
		"bad status":       {Title: "t", DueDate: due, Status: "done"},
		"duplicate tags":   {Title: "t", DueDate: due, Tags: []string{"home", " home"}},
		"empty tag":        {Title: "t", DueDate: due, Tags: []string{""}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), owner, in)
			assert.ErrorIs(t, err, service.ErrInvalidInput)
		})
	}
}

func TestCreateNormalizesAndDefaults(t *testing.T) {
	f := setup(t, true)
	owner := uuid.New()
	dep := f.create(t, owner, "dep", testNow.Add(time.Hour))

	v, err := f.svc.Create(context.Background(), owner, service.CreateTaskInput{
		Title:        "  Write report  ",
		Description:  " quarterly ",
		DueDate:      testNow.Add(2 * time.Hour),
		Tags:         []string{" work "},
		Dependencies: []uuid.UUID{dep.Task.ID, dep.Task.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, "Write report", v.Task.Title)
	assert.Equal(t, "quarterly", v.Task.Description)
	assert.Equal(t, model.PriorityMedium, v.Task.Priority)
	assert.Equal(t, status.Pending, v.Status)
	assert.Equal(t, []string{"work"}, v.Task.Tags)
	assert.Equal(t, []uuid.UUID{dep.Task.ID}, depIDs(v))
	assert.True(t, v.Blocked)
	assert.Equal(t, "dep", v.Dependencies[0].Title)
}

func TestUpdate(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()
	task := f.create(t, owner, "task", testNow.Add(time.Hour))

	t.Run("not found", func(t *testing.T) {
		title := "x"
		_, err := f.svc.Update(ctx, owner, uuid.New(), repository.TaskPatch{Title: &title})
		assert.ErrorIs(t, err, repository.ErrTaskNotFound)
	})

	t.Run("other owner", func(t *testing.T) {
		title := "x"
		_, err := f.svc.Update(ctx, uuid.New(), task.Task.ID, repository.TaskPatch{Title: &title})
		assert.ErrorIs(t, err, repository.ErrTaskNotFound)
	})

	t.Run("empty patch", func(t *testing.T) {
		_, err := f.svc.Update(ctx, owner, task.Task.ID, repository.TaskPatch{})
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})

	t.Run("fields", func(t *testing.T) {
		title := " renamed "
		high := model.PriorityHigh
		tags := []string{"a", "b"}
		v, err := f.svc.Update(ctx, owner, task.Task.ID, repository.TaskPatch{Title: &title, Priority: &high, Tags: &tags})
		require.NoError(t, err)
		assert.Equal(t, "renamed", v.Task.Title)
		assert.Equal(t, model.PriorityHigh, v.Task.Priority)
		assert.Equal(t, []string{"a", "b"}, v.Task.Tags)
	})

	t.Run("dependencies deduplicated", func(t *testing.T) {
		dep := f.create(t, owner, "dep", testNow.Add(time.Hour))
		deps := []uuid.UUID{dep.Task.ID, dep.Task.ID}
		v, err := f.svc.Update(ctx, owner, task.Task.ID, repository.TaskPatch{Dependencies: &deps})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{dep.Task.ID}, depIDs(v))
	})
}

func TestDeleteLeavesDanglingDependency(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()
	due := testNow.Add(time.Hour)

	a := f.create(t, owner, "A", due)
	b := f.create(t, owner, "B", due, a.Task.ID)

	require.NoError(t, f.svc.Delete(ctx, owner, a.Task.ID))
	assert.Equal(t, 1, f.logs.FilterMessage("deleted task is still referenced as a dependency").Len())

	got, err := f.svc.Get(ctx, owner, b.Task.ID)
	require.NoError(t, err)
	require.Len(t, got.Dependencies, 1)
	assert.True(t, got.Dependencies[0].Missing)
	assert.False(t, got.Blocked)
	assert.Equal(t, 1, f.logs.FilterMessage("dangling dependency").Len())

	assert.ErrorIs(t, f.svc.Delete(ctx, owner, a.Task.ID), repository.ErrTaskNotFound)

	// the dangling id is no longer accepted for new edges
	deps := []uuid.UUID{a.Task.ID}
	_, err = f.svc.Update(ctx, owner, b.Task.ID, repository.TaskPatch{Dependencies: &deps})
	assert.ErrorIs(t, err, dependency.ErrInvalidDependency)
}

func TestToggle(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	future := f.create(t, owner, "future", testNow.Add(time.Hour))
	v, err := f.svc.Toggle(ctx, owner, future.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, v.Status)

	v, err = f.svc.Toggle(ctx, owner, future.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, v.Status)

	late := f.create(t, owner, "late", testNow.Add(-time.Hour))
	v, err = f.svc.Toggle(ctx, owner, late.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, v.Status)

	// back from completed, a late task lands on overdue
	v, err = f.svc.Toggle(ctx, owner, late.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Overdue, v.Status)
}

func TestSweep(t *testing.T) {
	for _, sweep := range []bool{true, false} {
		f := setup(t, sweep)
		ctx := context.Background()
		owner := uuid.New()
		v := f.create(t, owner, "task", testNow.Add(-time.Hour))

		// simulate a row stored before it became late
		require.NoError(t, f.db.Model(&model.Task{}).Where("id = ?", v.Task.ID).
			UpdateColumn("status", status.Pending).Error)

		overdue := status.Overdue
		got, err := f.svc.List(ctx, owner, service.ListQuery{Filter: repository.TaskFilter{Status: &overdue}})
		require.NoError(t, err)
		require.Len(t, got, 1, "sweep=%v", sweep)
		assert.Equal(t, status.Overdue, got[0].Status)

		var stored model.Task
		require.NoError(t, f.db.First(&stored, "id = ?", v.Task.ID).Error)
		if sweep {
			assert.Equal(t, status.Overdue, stored.Status)
		} else {
			assert.Equal(t, status.Pending, stored.Status)
		}
	}
}

func TestListFilters(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	_, err := f.svc.Create(ctx, owner, service.CreateTaskInput{Title: "groceries", DueDate: testNow.Add(2 * time.Hour), Tags: []string{"home"}})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, owner, service.CreateTaskInput{Title: "report", DueDate: testNow.Add(time.Hour), Tags: []string{"work"}})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, owner, service.ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "report", all[0].Task.Title)

	home, err := f.svc.List(ctx, owner, service.ListQuery{Tag: "HOME"})
	require.NoError(t, err)
	require.Len(t, home, 1)
	assert.Equal(t, "groceries", home[0].Task.Title)

	found, err := f.svc.List(ctx, owner, service.ListQuery{Filter: repository.TaskFilter{Search: "REP"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "report", found[0].Task.Title)
}

func TestReadModels(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	day1 := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	a, err := f.svc.Create(ctx, owner, service.CreateTaskInput{Title: "A", DueDate: day1, Tags: []string{"work", "urgent"}})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, owner, service.CreateTaskInput{Title: "B", DueDate: day1.Add(time.Hour), Status: status.InProgress, Tags: []string{"work"}, Dependencies: []uuid.UUID{a.Task.ID}})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, owner, service.CreateTaskInput{Title: "C", DueDate: day2, Status: status.Completed})
	require.NoError(t, err)
	_ = f.create(t, owner, "late", testNow.Add(-time.Hour))

	t.Run("board", func(t *testing.T) {
		board, err := f.svc.Board(ctx, owner)
		require.NoError(t, err)
		require.Len(t, board, len(status.All))
		counts := map[status.Status]int{}
		for _, col := range board {
			counts[col.Status] = len(col.Tasks)
		}
		assert.Equal(t, map[status.Status]int{
			status.Pending:    1,
			status.InProgress: 1,
			status.Completed:  1,
			status.Overdue:    1,
		}, counts)
	})

	t.Run("calendar", func(t *testing.T) {
		from := day1.Add(-time.Hour)
		to := day2.Add(time.Hour)
		days, err := f.svc.Calendar(ctx, owner, &from, &to)
		require.NoError(t, err)
		require.Len(t, days, 2)
		assert.Equal(t, "2026-10-18", days[0].Date)
		assert.Len(t, days[0].Tasks, 2)
		assert.Equal(t, "2026-10-19", days[1].Date)

		_, err = f.svc.Calendar(ctx, owner, &to, &from)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})

	t.Run("graph", func(t *testing.T) {
		g, err := f.svc.Graph(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 4)
		assert.Equal(t, []service.GraphEdge{{From: b.Task.ID, To: a.Task.ID}}, g.Edges)
	})

	t.Run("tags", func(t *testing.T) {
		tags, err := f.svc.Tags(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, []string{"urgent", "work"}, tags)
	})

	t.Run("overdue", func(t *testing.T) {
		overdue, err := f.svc.Overdue(ctx, owner)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, "late", overdue[0].Task.Title)
	})
}

func TestValidateDependencies(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()
	due := testNow.Add(time.Hour)

	a := f.create(t, owner, "A", due)
	b := f.create(t, owner, "B", due, a.Task.ID)

	assert.NoError(t, f.svc.ValidateDependencies(ctx, owner, nil, []uuid.UUID{a.Task.ID, b.Task.ID}))
	assert.ErrorIs(t, f.svc.ValidateDependencies(ctx, owner, &a.Task.ID, []uuid.UUID{b.Task.ID}), dependency.ErrCircularDependency)

	missing := uuid.New()
	assert.ErrorIs(t, f.svc.ValidateDependencies(ctx, owner, &missing, nil), repository.ErrTaskNotFound)
}

type failingStore struct {
	service.TaskStore
}

func (failingStore) BulkSetOverdue(context.Context, *uuid.UUID, time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestSweepErrorStopsRead(t *testing.T) {
	svc := service.NewTaskService(failingStore{}, nil, service.Options{Sweep: true}, nil)
	_, err := svc.List(context.Background(), uuid.New(), service.ListQuery{})
	assert.EqualError(t, err, "connection reset")
}

func TestOverdueCannotBeSetOnFutureTask(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	v, err := f.svc.Create(ctx, owner, service.CreateTaskInput{
		Title:   "not late",
		DueDate: testNow.Add(48 * time.Hour),
		Status:  status.Overdue,
	})
	require.NoError(t, err)
	assert.Equal(t, status.Pending, v.Status)
	assert.Equal(t, status.Pending, v.Task.Status)
	assert.False(t, v.Late)

	overdue := status.Overdue
	filtered, err := f.svc.List(ctx, owner, service.ListQuery{Filter: repository.TaskFilter{Status: &overdue}})
	require.NoError(t, err)
	assert.Empty(t, filtered)

	listed, err := f.svc.Overdue(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, listed)

	updated, err := f.svc.Update(ctx, owner, v.Task.ID, repository.TaskPatch{Status: &overdue})
	require.NoError(t, err)
	assert.Equal(t, status.Pending, updated.Status)
}

func TestMovingDueDateForwardClearsOverdue(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	owner := uuid.New()

	late := f.create(t, owner, "late", testNow.Add(-time.Hour))
	assert.Equal(t, status.Overdue, late.Status)
	assert.True(t, late.Late)

	due := testNow.Add(24 * time.Hour)
	v, err := f.svc.Update(ctx, owner, late.Task.ID, repository.TaskPatch{DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, status.Pending, v.Status)
	assert.False(t, v.Late)
}

func TestDefaultClockFollowsStore(t *testing.T) {
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return later },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))

	repo := repository.NewTaskRepository(db)
	svc := service.NewTaskService(repo, dependency.NewValidator(repo, dependency.Options{}, nil), service.Options{}, nil)
	ctx := context.Background()
	owner := uuid.New()

	due := time.Date(2028, 6, 1, 0, 0, 0, 0, time.UTC)
	v, err := svc.Create(ctx, owner, service.CreateTaskInput{Title: "report", DueDate: due})
	require.NoError(t, err)
	assert.Equal(t, status.Overdue, v.Task.Status)
	assert.Equal(t, status.Overdue, v.Status)
	assert.True(t, v.Late)

	got, err := svc.Get(ctx, owner, v.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Overdue, got.Status)

	listed, err := svc.Overdue(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}
