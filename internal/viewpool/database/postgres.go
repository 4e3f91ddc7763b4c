package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	commondb "github.com/ssufhbfndk/yt-view-backend/internal/common/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// PostgresJobRepository stores jobs in postgres. Allocation candidates are locked with FOR UPDATE SKIP LOCKED
// so that concurrent allocations never wait on, or pick, the same job.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

var readCommitted = pgx.TxOptions{
	IsoLevel:   pgx.ReadCommitted,
	AccessMode: pgx.ReadWrite,
}

func (r *PostgresJobRepository) WithAllocationTx(ctx context.Context, fn func(tx AllocationTx) error) error {
	return r.db.BeginTxFunc(ctx, readCommitted, func(tx pgx.Tx) error {
		return fn(&postgresAllocationTx{tx: tx})
	})
}

type postgresAllocationTx struct {
	tx pgx.Tx
}

func (t *postgresAllocationTx) SelectCandidate(ctx context.Context, query CandidateQuery) (*model.Job, error) {
	sql, args, err := candidateSql(postgresDialect, query, true)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(t.tx.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return &job, nil
}

func (t *postgresAllocationTx) InsertHistory(ctx context.Context, consumerId string, jobId string, servedAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO consumer_history (consumer_id, job_id, served_at) VALUES ($1, $2, $3)
		 ON CONFLICT (consumer_id, job_id) DO NOTHING`,
		consumerId, jobId, servedAt.UnixMilli())
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresAllocationTx) IncrementOriginCounter(ctx context.Context, originId string, groupKey string, now time.Time, windowCutoff time.Time) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO origin_rate_counters (origin_id, group_key, count, window_start) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (origin_id, group_key) DO UPDATE SET
		   count = CASE WHEN origin_rate_counters.window_start <= $4 THEN 1 ELSE origin_rate_counters.count + 1 END,
		   window_start = CASE WHEN origin_rate_counters.window_start <= $4 THEN excluded.window_start ELSE origin_rate_counters.window_start END
		 RETURNING count`,
		originId, groupKey, now.UnixMilli(), windowCutoff.UnixMilli()).Scan(&count)
	return count, errors.WithStack(err)
}

func (t *postgresAllocationTx) IncrementPickCounter(ctx context.Context, jobId string) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO pick_counters (job_id, pick_count) VALUES ($1, 1)
		 ON CONFLICT (job_id) DO UPDATE SET pick_count = pick_counters.pick_count + 1
		 RETURNING pick_count`,
		jobId).Scan(&count)
	return count, errors.WithStack(err)
}

func (t *postgresAllocationTx) ConsumeRemaining(ctx context.Context, jobId string, now time.Time) (int64, error) {
	var remaining int64
	err := t.tx.QueryRow(ctx,
		`UPDATE jobs SET remaining = remaining - 1, last_modified = $2
		 WHERE job_id = $1 AND remaining > 0
		 RETURNING remaining`,
		jobId, now.UnixMilli()).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return remaining, errors.WithStack(err)
}

func (t *postgresAllocationTx) CompleteJob(ctx context.Context, jobId string, now time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE jobs SET state = $2, cooldown_until = NULL, last_modified = $3 WHERE job_id = $1`,
		jobId, string(model.Completed), now.UnixMilli())
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err = t.tx.Exec(ctx, `DELETE FROM pick_counters WHERE job_id = $1`, jobId); err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM delay_schedules WHERE job_id = $1`, jobId)
	return errors.WithStack(err)
}

func (t *postgresAllocationTx) StartCooldown(ctx context.Context, jobId string, resumeAt time.Time, now time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE jobs SET state = $2, cooldown_until = $3, last_modified = $4 WHERE job_id = $1`,
		jobId, string(model.Cooldown), resumeAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO delay_schedules (job_id, resume_at) VALUES ($1, $2)
		 ON CONFLICT (job_id) DO UPDATE SET resume_at = excluded.resume_at`,
		jobId, resumeAt.UnixMilli())
	return errors.WithStack(err)
}

func (r *PostgresJobRepository) InsertJob(ctx context.Context, job model.Job) (bool, error) {
	inserted := false
	err := r.db.BeginTxFunc(ctx, readCommitted, func(tx pgx.Tx) error {
		var exists bool
		if job.State == model.Rejected {
			err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, job.JobId).Scan(&exists)
			if err != nil {
				return errors.WithStack(err)
			}
		} else {
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (
				   SELECT 1 FROM jobs
				   WHERE job_id = $1
				      OR (state <> 'rejected' AND (target_reference = $2 OR target_key = $3))
				 )`,
				job.JobId, job.TargetReference, job.TargetKey).Scan(&exists)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		if exists {
			return nil
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (job_id, target_reference, target_key, group_key, requested_count, remaining,
			   classification, state, reject_reason, duration_hint, cooldown_until, created, last_modified)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			jobInsertArgs(job)...)
		if err != nil {
			return errors.WithStack(err)
		}
		inserted = true
		return nil
	})
	if commondb.IsUniqueViolation(err) {
		// A concurrent intake inserted the same job id or target key between the check and the insert.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *PostgresJobRepository) JobExists(ctx context.Context, jobId string, targetReference string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM jobs WHERE job_id = $1 OR (state <> 'rejected' AND target_reference = $2)
		 )`,
		jobId, targetReference).Scan(&exists)
	return exists, errors.WithStack(err)
}

func (r *PostgresJobRepository) GetJob(ctx context.Context, jobId string) (model.Job, error) {
	sql, args, err := getJobSql(postgresDialect, jobId)
	if err != nil {
		return model.Job{}, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, jobNotFound(jobId)
	}
	return job, errors.WithStack(err)
}

func (r *PostgresJobRepository) FetchPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	sql, args, err := pendingJobsSql(postgresDialect, limit)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) AcceptPendingJob(ctx context.Context, jobId string, classification model.Classification, groupKey string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET state = $2, classification = $3, group_key = $4, last_modified = $5
		 WHERE job_id = $1 AND state = $6`,
		jobId, string(model.Available), string(classification), groupKey, now.UnixMilli(), string(model.Pending))
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) RejectPendingJob(ctx context.Context, jobId string, reason string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET state = $2, reject_reason = $3, last_modified = $4
		 WHERE job_id = $1 AND state = $5`,
		jobId, string(model.Rejected), reason, now.UnixMilli(), string(model.Pending))
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) RecordIntakeOutcome(ctx context.Context, jobId string, status model.IntakeStatus, reason string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO intake_log (job_id, status, reason, logged) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobId, string(status), reason, now.UnixMilli())
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) PromoteExpiredCooldowns(ctx context.Context, now time.Time, limit int) (PromotionResult, error) {
	result := PromotionResult{}
	err := r.db.BeginTxFunc(ctx, readCommitted, func(tx pgx.Tx) error {
		result = PromotionResult{}
		sql, args, err := dueCooldownsSql(postgresDialect, now, limit, true)
		if err != nil {
			return err
		}
		due, err := scanDue(tx.Query(ctx, sql, args...))
		if err != nil {
			return err
		}
		for _, d := range due {
			next := model.Available
			if d.remaining <= 0 {
				next = model.Completed
			}
			tag, err := tx.Exec(ctx,
				`UPDATE jobs SET state = $2, cooldown_until = NULL, last_modified = $3 WHERE job_id = $1 AND state = $4`,
				d.jobId, string(next), now.UnixMilli(), string(model.Cooldown))
			if err != nil {
				return errors.WithStack(err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `DELETE FROM delay_schedules WHERE job_id = $1`, d.jobId); err != nil {
				return errors.WithStack(err)
			}
			if next == model.Completed {
				if _, err := tx.Exec(ctx, `DELETE FROM pick_counters WHERE job_id = $1`, d.jobId); err != nil {
					return errors.WithStack(err)
				}
				result.Completed = append(result.Completed, d.jobId)
			} else {
				result.Promoted = append(result.Promoted, d.jobId)
			}
		}
		return nil
	})
	if err != nil {
		return PromotionResult{}, err
	}
	return result, nil
}

type dueCooldown struct {
	jobId     string
	remaining int64
}

func scanDue(rows pgx.Rows, err error) ([]dueCooldown, error) {
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var due []dueCooldown
	for rows.Next() {
		var d dueCooldown
		if err := rows.Scan(&d.jobId, &d.remaining); err != nil {
			return nil, errors.WithStack(err)
		}
		due = append(due, d)
	}
	return due, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) DeleteExpiredHistory(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.deleteBatch(ctx,
		`DELETE FROM consumer_history WHERE ctid IN (
		   SELECT ctid FROM consumer_history WHERE served_at < $1 LIMIT $2
		 )`,
		cutoff.UnixMilli(), limit)
}

func (r *PostgresJobRepository) DeleteExpiredOriginCounters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.deleteBatch(ctx,
		`DELETE FROM origin_rate_counters WHERE ctid IN (
		   SELECT ctid FROM origin_rate_counters WHERE window_start <= $1 LIMIT $2
		 )`,
		cutoff.UnixMilli(), limit)
}

func (r *PostgresJobRepository) deleteBatch(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var deleted int64
	err := r.db.BeginTxFunc(ctx, readCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func (r *PostgresJobRepository) CountJobsByState(ctx context.Context) (map[model.State]int64, error) {
	sql, args, err := countByStateSql(postgresDialect)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanStateCounts(rows)
}

func scanStateCounts(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
},
) (map[model.State]int64, error) {
	counts := make(map[model.State]int64, len(model.AllStates))
	for _, state := range model.AllStates {
		counts[state] = 0
	}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		counts[model.State(state)] = count
	}
	return counts, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) HealthCheck(ctx context.Context) error {
	var col int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Wrap(err, "database health check failed")
	}
	return nil
}
