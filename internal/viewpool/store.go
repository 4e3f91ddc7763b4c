package viewpool

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	dbcommon "github.com/ssufhbfndk/yt-view-backend/internal/common/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
)

// OpenRepository connects to the configured store. If migrate is true the schema is brought up to date first.
// The returned function closes the connection.
func OpenRepository(ctx context.Context, config configuration.Configuration, migrate bool) (database.JobRepository, func(), error) {
	switch config.DatabaseType {
	case configuration.PostgresDatabase:
		db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "Error opening connection to postgres")
		}
		if migrate {
			if err := database.MigratePostgres(ctx, db); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return database.NewPostgresJobRepository(db), db.Close, nil
	case configuration.SqliteDatabase:
		db, err := dbcommon.OpenSqlite(ctx, config.Sqlite)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "Error opening sqlite database")
		}
		closeDb := func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("sqlite database didn't close cleanly")
			}
		}
		if migrate {
			if err := database.MigrateSqlite(ctx, db); err != nil {
				closeDb()
				return nil, nil, err
			}
		}
		return database.NewSqliteJobRepository(db), closeDb, nil
	}
	return nil, nil, errors.Errorf("unknown database type %q", config.DatabaseType)
}
