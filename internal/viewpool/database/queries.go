package database

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/apperrors"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

var (
	postgresDialect = goqu.Dialect("postgres")
	sqliteDialect   = goqu.Dialect("sqlite3")
)

var jobColumns = []string{
	"job_id",
	"target_reference",
	"target_key",
	"group_key",
	"requested_count",
	"remaining",
	"classification",
	"state",
	"reject_reason",
	"duration_hint",
	"cooldown_until",
	"created",
	"last_modified",
}

func qualifiedJobColumns(alias string) []interface{} {
	columns := make([]interface{}, len(jobColumns))
	for i, c := range jobColumns {
		columns[i] = goqu.I(alias + "." + c)
	}
	return columns
}

// candidateSql builds the query used to pick an allocation candidate. If lock is true the selected job row is
// locked, skipping rows already locked by concurrent allocations.
func candidateSql(dialect goqu.DialectWrapper, query CandidateQuery, lock bool) (string, []interface{}, error) {
	ds := dialect.
		From(goqu.T("jobs").As("j")).
		Select(qualifiedJobColumns("j")...).
		LeftJoin(
			goqu.T("consumer_history").As("h"),
			goqu.On(
				goqu.I("h.job_id").Eq(goqu.I("j.job_id")),
				goqu.I("h.consumer_id").Eq(query.ConsumerId),
			)).
		LeftJoin(
			goqu.T("origin_rate_counters").As("r"),
			goqu.On(
				goqu.I("r.group_key").Eq(goqu.I("j.group_key")),
				goqu.I("r.origin_id").Eq(query.OriginId),
			)).
		Where(
			goqu.I("j.state").Eq(string(model.Available)),
			goqu.I("h.job_id").IsNull(),
			goqu.Or(
				goqu.I("r.origin_id").IsNull(),
				goqu.I("r.count").Lt(query.RateLimit),
				goqu.I("r.window_start").Lte(query.RateWindowCutoff.UnixMilli()),
			),
		).
		Order(goqu.Func("RANDOM").Asc()).
		Limit(1).
		Prepared(true)
	if lock {
		ds = ds.ForUpdate(exp.SkipLocked, goqu.T("j"))
	}
	sql, args, err := ds.ToSQL()
	return sql, args, errors.WithStack(err)
}

func getJobSql(dialect goqu.DialectWrapper, jobId string) (string, []interface{}, error) {
	sql, args, err := dialect.
		From("jobs").
		Select(qualifiedJobColumns("jobs")...).
		Where(goqu.C("job_id").Eq(jobId)).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func pendingJobsSql(dialect goqu.DialectWrapper, limit int) (string, []interface{}, error) {
	sql, args, err := dialect.
		From("jobs").
		Select(qualifiedJobColumns("jobs")...).
		Where(goqu.C("state").Eq(string(model.Pending))).
		Order(goqu.C("created").Asc(), goqu.C("job_id").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

// dueCooldownsSql selects the id and remaining count of Cooldown jobs whose cooldown ended at or before now.
func dueCooldownsSql(dialect goqu.DialectWrapper, now time.Time, limit int, lock bool) (string, []interface{}, error) {
	ds := dialect.
		From("jobs").
		Select("job_id", "remaining").
		Where(
			goqu.C("state").Eq(string(model.Cooldown)),
			goqu.C("cooldown_until").Lte(now.UnixMilli()),
		).
		Order(goqu.C("cooldown_until").Asc()).
		Limit(uint(limit)).
		Prepared(true)
	if lock {
		ds = ds.ForUpdate(exp.SkipLocked)
	}
	sql, args, err := ds.ToSQL()
	return sql, args, errors.WithStack(err)
}

func countByStateSql(dialect goqu.DialectWrapper) (string, []interface{}, error) {
	sql, args, err := dialect.
		From("jobs").
		Select(goqu.C("state"), goqu.COUNT(goqu.Star())).
		GroupBy("state").
		ToSQL()
	return sql, args, errors.WithStack(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job            model.Job
		classification string
		state          string
		durationHint   int64
		cooldownUntil  *int64
		created        int64
		lastModified   int64
	)
	err := row.Scan(
		&job.JobId,
		&job.TargetReference,
		&job.TargetKey,
		&job.GroupKey,
		&job.RequestedCount,
		&job.Remaining,
		&classification,
		&state,
		&job.RejectReason,
		&durationHint,
		&cooldownUntil,
		&created,
		&lastModified,
	)
	if err != nil {
		return model.Job{}, err
	}
	job.Classification = model.Classification(classification)
	job.State = model.State(state)
	job.DurationHint = time.Duration(durationHint) * time.Millisecond
	if cooldownUntil != nil {
		t := time.UnixMilli(*cooldownUntil)
		job.CooldownUntil = &t
	}
	job.Created = time.UnixMilli(created)
	job.LastModified = time.UnixMilli(lastModified)
	return job, nil
}

func jobInsertArgs(job model.Job) []interface{} {
	var cooldownUntil *int64
	if job.CooldownUntil != nil {
		millis := job.CooldownUntil.UnixMilli()
		cooldownUntil = &millis
	}
	return []interface{}{
		job.JobId,
		job.TargetReference,
		job.TargetKey,
		job.GroupKey,
		job.RequestedCount,
		job.Remaining,
		string(job.Classification),
		string(job.State),
		job.RejectReason,
		job.DurationHint.Milliseconds(),
		cooldownUntil,
		job.Created.UnixMilli(),
		job.LastModified.UnixMilli(),
	}
}

func jobNotFound(jobId string) error {
	return errors.WithStack(&apperrors.ErrNotFound{Type: "job", Value: jobId})
}
