package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// SqliteJobRepository stores jobs in an embedded sqlite database. It is intended for single instance
// deployments and tests.
type SqliteJobRepository struct {
	db *sql.DB
	// SQLite only allows one write at a time. Therefore we must serialize
	// writes in order to avoid SQLITE_BUSY errors. Holding the lock for a whole allocation also gives the
	// allocation exclusive access to its candidate.
	writeLock sync.Mutex
}

func NewSqliteJobRepository(db *sql.DB) *SqliteJobRepository {
	return &SqliteJobRepository{db: db}
}

func (r *SqliteJobRepository) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.WithStack(tx.Commit())
}

func (r *SqliteJobRepository) WithAllocationTx(ctx context.Context, fn func(tx AllocationTx) error) error {
	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteAllocationTx{tx: tx})
	})
}

type sqliteAllocationTx struct {
	tx *sql.Tx
}

func (t *sqliteAllocationTx) SelectCandidate(ctx context.Context, query CandidateQuery) (*model.Job, error) {
	sqlStmt, args, err := candidateSql(sqliteDialect, query, false)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(t.tx.QueryRowContext(ctx, sqlStmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return &job, nil
}

func (t *sqliteAllocationTx) InsertHistory(ctx context.Context, consumerId string, jobId string, servedAt time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO consumer_history (consumer_id, job_id, served_at) VALUES (?, ?, ?)
		 ON CONFLICT (consumer_id, job_id) DO NOTHING`,
		consumerId, jobId, servedAt.UnixMilli())
	return rowsAffectedIsOne(result, err)
}

func (t *sqliteAllocationTx) IncrementOriginCounter(ctx context.Context, originId string, groupKey string, now time.Time, windowCutoff time.Time) (int64, error) {
	var count int64
	cutoff := windowCutoff.UnixMilli()
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO origin_rate_counters (origin_id, group_key, count, window_start) VALUES (?, ?, 1, ?)
		 ON CONFLICT (origin_id, group_key) DO UPDATE SET
		   count = CASE WHEN origin_rate_counters.window_start <= ? THEN 1 ELSE origin_rate_counters.count + 1 END,
		   window_start = CASE WHEN origin_rate_counters.window_start <= ? THEN excluded.window_start ELSE origin_rate_counters.window_start END
		 RETURNING count`,
		originId, groupKey, now.UnixMilli(), cutoff, cutoff).Scan(&count)
	return count, errors.WithStack(err)
}

func (t *sqliteAllocationTx) IncrementPickCounter(ctx context.Context, jobId string) (int64, error) {
	var count int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO pick_counters (job_id, pick_count) VALUES (?, 1)
		 ON CONFLICT (job_id) DO UPDATE SET pick_count = pick_counters.pick_count + 1
		 RETURNING pick_count`,
		jobId).Scan(&count)
	return count, errors.WithStack(err)
}

func (t *sqliteAllocationTx) ConsumeRemaining(ctx context.Context, jobId string, now time.Time) (int64, error) {
	var remaining int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE jobs SET remaining = remaining - 1, last_modified = ?
		 WHERE job_id = ? AND remaining > 0
		 RETURNING remaining`,
		now.UnixMilli(), jobId).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return remaining, errors.WithStack(err)
}

func (t *sqliteAllocationTx) CompleteJob(ctx context.Context, jobId string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, cooldown_until = NULL, last_modified = ? WHERE job_id = ?`,
		string(model.Completed), now.UnixMilli(), jobId)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err = t.tx.ExecContext(ctx, `DELETE FROM pick_counters WHERE job_id = ?`, jobId); err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.ExecContext(ctx, `DELETE FROM delay_schedules WHERE job_id = ?`, jobId)
	return errors.WithStack(err)
}

func (t *sqliteAllocationTx) StartCooldown(ctx context.Context, jobId string, resumeAt time.Time, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, cooldown_until = ?, last_modified = ? WHERE job_id = ?`,
		string(model.Cooldown), resumeAt.UnixMilli(), now.UnixMilli(), jobId)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO delay_schedules (job_id, resume_at) VALUES (?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET resume_at = excluded.resume_at`,
		jobId, resumeAt.UnixMilli())
	return errors.WithStack(err)
}

func (r *SqliteJobRepository) InsertJob(ctx context.Context, job model.Job) (bool, error) {
	inserted := false
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		var err error
		if job.State == model.Rejected {
			err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = ?)`, job.JobId).Scan(&exists)
		} else {
			err = tx.QueryRowContext(ctx,
				`SELECT EXISTS (
				   SELECT 1 FROM jobs
				   WHERE job_id = ?
				      OR (state <> 'rejected' AND (target_reference = ? OR target_key = ?))
				 )`,
				job.JobId, job.TargetReference, job.TargetKey).Scan(&exists)
		}
		if err != nil {
			return errors.WithStack(err)
		}
		if exists {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (job_id, target_reference, target_key, group_key, requested_count, remaining,
			   classification, state, reject_reason, duration_hint, cooldown_until, created, last_modified)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobInsertArgs(job)...)
		if err != nil {
			return errors.WithStack(err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *SqliteJobRepository) JobExists(ctx context.Context, jobId string, targetReference string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM jobs WHERE job_id = ? OR (state <> 'rejected' AND target_reference = ?)
		 )`,
		jobId, targetReference).Scan(&exists)
	return exists, errors.WithStack(err)
}

func (r *SqliteJobRepository) GetJob(ctx context.Context, jobId string) (model.Job, error) {
	sqlStmt, args, err := getJobSql(sqliteDialect, jobId)
	if err != nil {
		return model.Job{}, err
	}
	job, err := scanJob(r.db.QueryRowContext(ctx, sqlStmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, jobNotFound(jobId)
	}
	return job, errors.WithStack(err)
}

func (r *SqliteJobRepository) FetchPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	sqlStmt, args, err := pendingJobsSql(sqliteDialect, limit)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlStmt, args...)
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

func (r *SqliteJobRepository) AcceptPendingJob(ctx context.Context, jobId string, classification model.Classification, groupKey string, now time.Time) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, classification = ?, group_key = ?, last_modified = ?
		 WHERE job_id = ? AND state = ?`,
		string(model.Available), string(classification), groupKey, now.UnixMilli(), jobId, string(model.Pending))
	return rowsAffectedIsOne(result, err)
}

func (r *SqliteJobRepository) RejectPendingJob(ctx context.Context, jobId string, reason string, now time.Time) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, reject_reason = ?, last_modified = ?
		 WHERE job_id = ? AND state = ?`,
		string(model.Rejected), reason, now.UnixMilli(), jobId, string(model.Pending))
	return rowsAffectedIsOne(result, err)
}

func (r *SqliteJobRepository) RecordIntakeOutcome(ctx context.Context, jobId string, status model.IntakeStatus, reason string, now time.Time) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO intake_log (job_id, status, reason, logged) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobId, string(status), reason, now.UnixMilli())
	return rowsAffectedIsOne(result, err)
}

func (r *SqliteJobRepository) PromoteExpiredCooldowns(ctx context.Context, now time.Time, limit int) (PromotionResult, error) {
	result := PromotionResult{}
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		result = PromotionResult{}
		sqlStmt, args, err := dueCooldownsSql(sqliteDialect, now, limit, false)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, sqlStmt, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		var due []dueCooldown
		for rows.Next() {
			var d dueCooldown
			if err := rows.Scan(&d.jobId, &d.remaining); err != nil {
				_ = rows.Close()
				return errors.WithStack(err)
			}
			due = append(due, d)
		}
		if err := rows.Close(); err != nil {
			return errors.WithStack(err)
		}

		for _, d := range due {
			next := model.Available
			if d.remaining <= 0 {
				next = model.Completed
			}
			updated, err := rowsAffectedIsOne(tx.ExecContext(ctx,
				`UPDATE jobs SET state = ?, cooldown_until = NULL, last_modified = ? WHERE job_id = ? AND state = ?`,
				string(next), now.UnixMilli(), d.jobId, string(model.Cooldown)))
			if err != nil {
				return err
			}
			if !updated {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM delay_schedules WHERE job_id = ?`, d.jobId); err != nil {
				return errors.WithStack(err)
			}
			if next == model.Completed {
				if _, err := tx.ExecContext(ctx, `DELETE FROM pick_counters WHERE job_id = ?`, d.jobId); err != nil {
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

func (r *SqliteJobRepository) DeleteExpiredHistory(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.deleteBatch(ctx,
		`DELETE FROM consumer_history WHERE rowid IN (
		   SELECT rowid FROM consumer_history WHERE served_at < ? LIMIT ?
		 )`,
		cutoff.UnixMilli(), limit)
}

func (r *SqliteJobRepository) DeleteExpiredOriginCounters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.deleteBatch(ctx,
		`DELETE FROM origin_rate_counters WHERE rowid IN (
		   SELECT rowid FROM origin_rate_counters WHERE window_start <= ? LIMIT ?
		 )`,
		cutoff.UnixMilli(), limit)
}

func (r *SqliteJobRepository) deleteBatch(ctx context.Context, sqlStmt string, args ...interface{}) (int64, error) {
	var deleted int64
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, sqlStmt, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted, err = result.RowsAffected()
		return errors.WithStack(err)
	})
	return deleted, err
}

func (r *SqliteJobRepository) CountJobsByState(ctx context.Context) (map[model.State]int64, error) {
	sqlStmt, args, err := countByStateSql(sqliteDialect)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlStmt, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanStateCounts(rows)
}

func (r *SqliteJobRepository) HealthCheck(ctx context.Context) error {
	var col int
	if err := r.db.QueryRowContext(ctx, "SELECT 1").Scan(&col); err != nil {
		return errors.Wrap(err, "SQL health check failed")
	}
	return nil
}

func rowsAffectedIsOne(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n == 1, nil
}
