// Package model holds the gorm-backed request/analysis store (C4) and the
// query executors the conversation linker (C3) runs against it.
package model

import (
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/claude-nexus/proxy/common/config"
)

// DB is the process-wide database handle, set by InitDB.
var DB *gorm.DB

// InitDB opens the configured database and runs AutoMigrate for the
// tables in §6. Postgres is the production target (the schema's jsonb
// columns assume it); sqlite is used for local dev/tests.
func InitDB() error {
	dialector, err := dialectorFor(config.DatabaseURL)
	if err != nil {
		return err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying sql.DB")
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Request{}, &StreamingChunk{}, &ConversationAnalysis{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	if err := ensurePartialUniqueIndexes(db); err != nil {
		return err
	}

	DB = db
	return nil
}

// ensurePartialUniqueIndexes creates the two filtered uniqueness
// constraints gorm's struct-tag-driven AutoMigrate cannot express:
// at most one non-failed analysis per (conversation_id, branch_id)
// (spec.md §3, §8 "Analysis uniqueness"), and at most one child request
// per (parent_request_id, branch_id) (spec.md §9 branch-naming races).
// Both Postgres and sqlite accept the same partial-index syntax.
func ensurePartialUniqueIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_analyses_active_branch
			ON conversation_analyses (conversation_id, branch_id)
			WHERE status <> 'failed'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_requests_parent_branch
			ON api_requests (parent_request_id, branch_id)
			WHERE parent_request_id IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Wrap(err, "create partial unique index")
		}
	}
	return nil
}

// dialectorFor picks the gorm driver based on the DSN scheme. A bare
// filesystem path (no "://") is treated as a sqlite file, matching how
// the teacher's test bootstrap distinguishes sqlite from a network DSN.
func dialectorFor(dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	if hasScheme(dsn, "postgres://") || hasScheme(dsn, "postgresql://") {
		return postgres.Open(dsn), nil
	}
	return sqlite.Open(dsn), nil
}

func hasScheme(dsn, scheme string) bool {
	return len(dsn) >= len(scheme) && dsn[:len(scheme)] == scheme
}

// InitTestDB opens a fresh, uniquely named in-memory sqlite database and
// migrates the schema, for use from package tests across the module.
// The cache is shared only among the returned handle's own connections.
func InitTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open test database")
	}
	if err := db.AutoMigrate(&Request{}, &StreamingChunk{}, &ConversationAnalysis{}); err != nil {
		return nil, errors.Wrap(err, "auto migrate test database")
	}
	if err := ensurePartialUniqueIndexes(db); err != nil {
		return nil, err
	}
	return db, nil
}
