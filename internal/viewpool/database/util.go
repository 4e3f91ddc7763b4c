package database

import (
	"context"
	"database/sql"
	"embed"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/database"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

func PostgresMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(postgresMigrations, "migrations/postgres")
}

func SqliteMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(sqliteMigrations, "migrations/sqlite")
}

func MigratePostgres(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := PostgresMigrations()
	if err != nil {
		return err
	}
	return errors.WithMessage(database.UpdateDatabase(ctx, db, migrations), "migrating postgres")
}

func MigrateSqlite(ctx context.Context, db *sql.DB) error {
	migrations, err := SqliteMigrations()
	if err != nil {
		return err
	}
	return errors.WithMessage(database.UpdateSqliteDatabase(ctx, db, migrations), "migrating sqlite")
}

// WithTestSqliteRepository runs action against a freshly migrated sqlite repository created in dir.
func WithTestSqliteRepository(dir string, action func(repo *SqliteJobRepository, db *sql.DB) error) error {
	migrations, err := SqliteMigrations()
	if err != nil {
		return err
	}
	return database.WithTestSqliteDb(dir, migrations, func(db *sql.DB) error {
		return action(NewSqliteJobRepository(db), db)
	})
}

// WithTestPostgresRepository runs action against a repository backed by a dedicated, freshly migrated postgres
// database. Returns database.ErrNoTestPostgres if no test server is configured.
func WithTestPostgresRepository(action func(repo *PostgresJobRepository, db *pgxpool.Pool) error) error {
	migrations, err := PostgresMigrations()
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		return action(NewPostgresJobRepository(db), db)
	})
}
