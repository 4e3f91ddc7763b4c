package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type PostgresConfig struct {
	MaxOpenConns int32
	Connection   map[string]string
}

type SqliteConfig struct {
	// Path of the database file. The parent directory is created if it does not exist.
	Path string
}

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(ctx)
	return db, errors.WithStack(err)
}

// OpenSqlite opens (creating if necessary) the sqlite database at config.Path.
// SQLite only allows one writer at a time, so the pool is limited to a single connection.
func OpenSqlite(ctx context.Context, config SqliteConfig) (*sql.DB, error) {
	dbDir := filepath.Dir(config.Path)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db at %s", config.Path)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"journal_mode=WAL", "busy_timeout=5000", "foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s", pragma)); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "error setting sqlite pragma %s", pragma)
		}
	}
	return db, nil
}
