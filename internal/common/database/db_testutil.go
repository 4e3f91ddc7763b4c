package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/util"
)

// TestPostgresEnvVar names the environment variable holding a libpq connection string for a postgres server that
// may be used by tests, e.g. "host=localhost port=5432 user=postgres password=psw sslmode=disable".
const TestPostgresEnvVar = "VIEWPOOL_TEST_POSTGRES"

var ErrNoTestPostgres = errors.New(TestPostgresEnvVar + " is not set")

// WithTestDb creates a dedicated postgres database, applies migrations to it, runs action and drops the database.
// Returns ErrNoTestPostgres if no server has been configured.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString, ok := os.LookupEnv(TestPostgresEnvVar)
	if !ok {
		return ErrNoTestPostgres
	}

	dbName := "test_" + strings.ToLower(util.NewULID())
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}

// WithTestSqliteDb creates a sqlite database in dir, applies migrations, and runs action.
func WithTestSqliteDb(dir string, migrations []Migration, action func(db *sql.DB) error) error {
	ctx := context.Background()
	db, err := OpenSqlite(ctx, SqliteConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := UpdateSqliteDatabase(ctx, db, migrations); err != nil {
		return err
	}
	return action(db)
}
