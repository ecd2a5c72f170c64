// Package dependency guards the task dependency graph.
//
// Edges point from a task to its prerequisites. Before a task's
// dependency list is written the Validator checks that every prerequisite
// exists and belongs to the same owner, and that the new edges do not close
// a cycle, directly or transitively. Validation only reads from the store.
package dependency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidDependency       = errors.New("one or more dependencies do not exist or do not belong to you")
	ErrCircularDependency      = errors.New("circular dependency detected")
	ErrDependencyGraphTooLarge = errors.New("dependency graph is too large to validate")
)

// Store is the read side of the task store the validator needs.
type Store interface {
	CountByIdsAndOwner(ctx context.Context, ids []uuid.UUID, ownerID uuid.UUID) (int64, error)
	GetDependencyIdsOf(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
}

// GraphLoader is implemented by stores that can return an owner's whole
// adjacency list in one round trip.
type GraphLoader interface {
	DependencyGraph(ctx context.Context, ownerID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
}

type Options struct {
	// PreloadGraph loads the owner's graph once per call when the store
	// implements GraphLoader.
	PreloadGraph bool
	// MaxNodes caps the number of expanded nodes. Zero means no cap.
	MaxNodes int
}

type Validator struct {
	store Store
	opts  Options
	log   *zap.Logger
}

func NewValidator(store Store, opts Options, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{store: store, opts: opts, log: log}
}

// Validate checks proposed as the new dependency list of taskID. taskID is
// nil for a task that has not been created yet, in which case only the
// existence check applies: nothing can depend on a task without an id.
func (v *Validator) Validate(ctx context.Context, taskID *uuid.UUID, proposed []uuid.UUID, ownerID uuid.UUID) error {
	if len(proposed) == 0 {
		return nil
	}

	distinct := Distinct(proposed)
	count, err := v.store.CountByIdsAndOwner(ctx, distinct, ownerID)
	if err != nil {
		return fmt.Errorf("count dependencies: %w", err)
	}
	if count != int64(len(distinct)) {
		return ErrInvalidDependency
	}

	if taskID == nil {
		return nil
	}
	for _, id := range distinct {
		if id == *taskID {
			return ErrCircularDependency
		}
	}

	next, err := v.neighbours(ctx, ownerID)
	if err != nil {
		return err
	}
	return v.reaches(ctx, distinct, *taskID, next)
}

type neighbourFunc func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

func (v *Validator) neighbours(ctx context.Context, ownerID uuid.UUID) (neighbourFunc, error) {
	loader, ok := v.store.(GraphLoader)
	if !v.opts.PreloadGraph || !ok {
		return func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
			deps, err := v.store.GetDependencyIdsOf(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load dependencies of %s: %w", id, err)
			}
			return deps, nil
		}, nil
	}

	graph, err := loader.DependencyGraph(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	return func(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		return graph[id], nil
	}, nil
}

// reaches runs a breadth-first traversal from start and fails with
// ErrCircularDependency as soon as an expanded node lists target as one of
// its own dependencies. Each node is expanded at most once.
func (v *Validator) reaches(ctx context.Context, start []uuid.UUID, target uuid.UUID, next neighbourFunc) error {
	queue := append([]uuid.UUID(nil), start...)
	visited := make(map[uuid.UUID]struct{}, len(start))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		if v.opts.MaxNodes > 0 && len(visited) > v.opts.MaxNodes {
			v.log.Warn("dependency traversal cap reached",
				zap.String("task_id", target.String()),
				zap.Int("max_nodes", v.opts.MaxNodes),
			)
			return ErrDependencyGraphTooLarge
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		deps, err := next(ctx, id)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if dep == target {
				return ErrCircularDependency
			}
			if _, seen := visited[dep]; !seen {
				queue = append(queue, dep)
			}
		}
	}
	return nil
}

// Distinct returns ids without duplicates, keeping first occurrences in order.
func Distinct(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
