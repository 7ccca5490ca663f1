package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

// MigrationTable is the goose version table
const MigrationTable = "schema_migrations"

// MigrationFS is a filesystem holding goose SQL migrations at its root
type MigrationFS = fs.FS

// goose keeps its settings in package globals
var migrateMu sync.Mutex

// Migrate applies every pending migration in fsys using the given goose dialect
func Migrate(ctx context.Context, db *sql.DB, dialect string, fsys MigrationFS, logger *slog.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(&gooseLogger{logger: logger})
	goose.SetTableName(MigrationTable)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("Database migrations applied",
		slog.String("dialect", dialect),
		slog.Int64("version", version),
	)
	return nil
}

type gooseLogger struct {
	logger *slog.Logger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Fatalf only logs; goose returns the error to the caller as well
func (g *gooseLogger) Fatalf(format string, args ...any) {
	g.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
