package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/ramiqadoumi/taskpulse/internal/postgres/migrations"
)

// MigrationTable is the goose bookkeeping table.
const MigrationTable = "schema_migrations"

// slogGooseLogger forwards goose output to slog.
type slogGooseLogger struct{ logger *slog.Logger }

func (l slogGooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs only; errors are returned to the caller instead of exiting.
func (l slogGooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Migrate applies the embedded schema migrations. command is one of up,
// down, status, version.
func Migrate(ctx context.Context, dsn, command string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	goose.SetLogger(slogGooseLogger{logger: logger})
	goose.SetBaseFS(migrations.FS)
	goose.SetTableName(MigrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	switch command {
	case "up":
		err = goose.UpContext(ctx, db, ".")
	case "down":
		err = goose.DownContext(ctx, db, ".")
	case "status":
		err = goose.StatusContext(ctx, db, ".")
	case "version":
		err = goose.VersionContext(ctx, db, ".")
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
