package database

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is a single schema change, identified by the numeric prefix of its file name, e.g. 001_init.sql.
type Migration struct {
	Id   int
	Name string
	Sql  string
}

func NewMigration(id int, name string, sql string) Migration {
	return Migration{
		Id:   id,
		Name: name,
		Sql:  sql,
	}
}

// ReadMigrations returns every *.sql file directly under basePath in fsys, ordered by id.
func ReadMigrations(fsys fs.FS, basePath string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, basePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(basePath, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with a numeric id", f.Name())
		}
		migrations = append(migrations, NewMigration(id, f.Name(), string(contents)))
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Id < migrations[j].Id })
	return migrations, nil
}

// UpdateDatabase applies every migration newer than the version recorded in postgres.
func UpdateDatabase(ctx context.Context, db pgxtype.Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.Id > version {
			_, err := db.Exec(ctx, m.Sql)
			if err != nil {
				return errors.Wrapf(err, "failed to apply migration %s", m.Name)
			}

			version = m.Id
			err = setVersion(ctx, db, version)
			if err != nil {
				return err
			}
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db pgxtype.Querier) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version int
	err = db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db pgxtype.Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// UpdateSqliteDatabase is the equivalent of UpdateDatabase for an embedded sqlite database. Each migration is
// applied in its own transaction together with the version bump.
func UpdateSqliteDatabase(ctx context.Context, db *sql.DB, migrations []Migration) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`)
	if err != nil {
		return errors.WithStack(err)
	}

	var version int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM database_version`).Scan(&version)
	if err != nil {
		return errors.WithStack(err)
	}
	log.Debugf("Current sqlite version %v", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.ExecContext(ctx, m.Sql); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %s", m.Name)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO database_version (version) VALUES (?)`, m.Id); err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
		if err := tx.Commit(); err != nil {
			return errors.WithStack(err)
		}
		version = m.Id
	}
	return nil
}
