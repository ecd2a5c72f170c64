package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Common repository errors
var (
	// ErrTaskNotFound is returned when no task matches the id and owner
	ErrTaskNotFound = errors.New("task not found")

	// ErrEmailTaken is returned when a user with the same email already exists
	ErrEmailTaken = errors.New("email already registered")
)

// isUniqueViolation reports a unique constraint failure from either the
// translated gorm error or a raw postgres error.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
