package repository_test

import (
	"testing"
	"time"

	"taskmanager/internal/database"
	"taskmanager/internal/model"
	"taskmanager/internal/status"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

// setupTestDB creates an in-memory SQLite database whose clock is testNow.
func setupTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		DriverName:           "postgres",
		Conn:                 db,
		PreferSimpleProtocol: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	assert.NoError(t, err)

	return gormDB, mock
}

func newTask(owner uuid.UUID, title string, due time.Time, deps ...uuid.UUID) *model.Task {
	return &model.Task{
		OwnerID:       owner,
		Title:         title,
		DueDate:       due,
		Priority:      model.PriorityMedium,
		Status:        status.Pending,
		Tags:          []string{},
		DependencyIDs: deps,
	}
}
