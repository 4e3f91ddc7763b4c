package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/apperrors"
	commondb "github.com/ssufhbfndk/yt-view-backend/internal/common/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

func availableJob(jobId string, groupKey string, remaining int64) model.Job {
	return model.Job{
		JobId:           jobId,
		TargetReference: "https://youtu.be/" + jobId,
		TargetKey:       "video:" + jobId,
		GroupKey:        groupKey,
		RequestedCount:  remaining,
		Remaining:       remaining,
		Classification:  model.LongForm,
		State:           model.Available,
		Created:         baseTime,
		LastModified:    baseTime,
	}
}

// scalarQuery runs a query returning a single integer, e.g. a row count.
type scalarQuery func(query string) int64

// withRepositories runs action against a sqlite repository and, if a test server is configured, a postgres one.
func withRepositories(t *testing.T, action func(t *testing.T, repo JobRepository, query scalarQuery)) {
	t.Run("sqlite", func(t *testing.T) {
		err := WithTestSqliteRepository(t.TempDir(), func(repo *SqliteJobRepository, db *sql.DB) error {
			action(t, repo, func(query string) int64 {
				var value int64
				require.NoError(t, db.QueryRow(query).Scan(&value))
				return value
			})
			return nil
		})
		require.NoError(t, err)
	})
	t.Run("postgres", func(t *testing.T) {
		err := WithTestPostgresRepository(func(repo *PostgresJobRepository, db *pgxpool.Pool) error {
			action(t, repo, func(query string) int64 {
				var value int64
				require.NoError(t, db.QueryRow(context.Background(), query).Scan(&value))
				return value
			})
			return nil
		})
		if errors.Is(err, commondb.ErrNoTestPostgres) {
			t.Skip(err.Error())
		}
		require.NoError(t, err)
	})
}

func insertJobs(t *testing.T, repo JobRepository, jobs ...model.Job) {
	for _, job := range jobs {
		inserted, err := repo.InsertJob(context.Background(), job)
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

func TestInsertJob_RoundTrip(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		job := availableJob("job-a", "group-a", 5)
		cooldownUntil := baseTime.Add(time.Hour)
		job.State = model.Cooldown
		job.CooldownUntil = &cooldownUntil
		job.DurationHint = 90 * time.Second
		insertJobs(t, repo, job)

		stored, err := repo.GetJob(context.Background(), "job-a")
		require.NoError(t, err)
		assert.Equal(t, job.JobId, stored.JobId)
		assert.Equal(t, job.TargetKey, stored.TargetKey)
		assert.Equal(t, job.Remaining, stored.Remaining)
		assert.Equal(t, model.Cooldown, stored.State)
		assert.Equal(t, 90*time.Second, stored.DurationHint)
		require.NotNil(t, stored.CooldownUntil)
		assert.True(t, cooldownUntil.Equal(*stored.CooldownUntil))
		assert.True(t, baseTime.Equal(stored.Created))
	})
}

func TestInsertJob_Duplicates(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo, availableJob("job-a", "group-a", 5))

		sameId := availableJob("job-a", "group-b", 3)
		sameId.TargetReference = "https://youtu.be/other"
		sameId.TargetKey = "video:other"
		inserted, err := repo.InsertJob(ctx, sameId)
		require.NoError(t, err)
		assert.False(t, inserted)

		sameTarget := availableJob("job-b", "group-a", 5)
		sameTarget.TargetReference = "https://www.youtube.com/watch?v=job-a"
		sameTarget.TargetKey = "video:job-a"
		inserted, err = repo.InsertJob(ctx, sameTarget)
		require.NoError(t, err)
		assert.False(t, inserted)

		rejected := model.Job{
			JobId:           "job-c",
			TargetReference: "https://youtu.be/job-a",
			State:           model.Rejected,
			RejectReason:    model.ReasonDuplicate,
			Created:         baseTime,
			LastModified:    baseTime,
		}
		inserted, err = repo.InsertJob(ctx, rejected)
		require.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestJobExists(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo, availableJob("job-a", "group-a", 5))
		insertJobs(t, repo, model.Job{
			JobId:           "job-r",
			TargetReference: "https://youtu.be/rejected",
			State:           model.Rejected,
			Created:         baseTime,
			LastModified:    baseTime,
		})

		exists, err := repo.JobExists(ctx, "job-a", "")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = repo.JobExists(ctx, "job-new", "https://youtu.be/job-a")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = repo.JobExists(ctx, "job-new", "https://youtu.be/rejected")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestGetJob_NotFound(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		_, err := repo.GetJob(context.Background(), "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestPendingTransitions(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		first := availableJob("job-a", "", 5)
		first.State = model.Pending
		second := availableJob("job-b", "", 5)
		second.State = model.Pending
		second.Created = baseTime.Add(time.Second)
		insertJobs(t, repo, second, first)

		pending, err := repo.FetchPendingJobs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "job-a", pending[0].JobId)
		assert.Equal(t, "job-b", pending[1].JobId)

		ok, err := repo.AcceptPendingJob(ctx, "job-a", model.ShortForm, "group-x", baseTime)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repo.AcceptPendingJob(ctx, "job-a", model.ShortForm, "group-x", baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.RejectPendingJob(ctx, "job-b", "unavailable", baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		accepted, err := repo.GetJob(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, model.Available, accepted.State)
		assert.Equal(t, model.ShortForm, accepted.Classification)
		assert.Equal(t, "group-x", accepted.GroupKey)

		rejected, err := repo.GetJob(ctx, "job-b")
		require.NoError(t, err)
		assert.Equal(t, model.Rejected, rejected.State)
		assert.Equal(t, "unavailable", rejected.RejectReason)

		pending, err = repo.FetchPendingJobs(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestRecordIntakeOutcome_OnlyOnce(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		written, err := repo.RecordIntakeOutcome(ctx, "job-a", model.Accepted, "", baseTime)
		require.NoError(t, err)
		assert.True(t, written)

		written, err = repo.RecordIntakeOutcome(ctx, "job-a", model.RejectedJob, model.ReasonDuplicate, baseTime)
		require.NoError(t, err)
		assert.False(t, written)
	})
}

func TestAllocationTx_Operations(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo, availableJob("job-a", "group-a", 2))

		query := CandidateQuery{ConsumerId: "consumer-1", OriginId: "origin-1", RateLimit: 1, RateWindowCutoff: baseTime.Add(-time.Hour)}
		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			job, err := tx.SelectCandidate(ctx, query)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, "job-a", job.JobId)

			inserted, err := tx.InsertHistory(ctx, "consumer-1", "job-a", baseTime)
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = tx.InsertHistory(ctx, "consumer-1", "job-a", baseTime)
			require.NoError(t, err)
			assert.False(t, inserted)

			count, err := tx.IncrementOriginCounter(ctx, "origin-1", "group-a", baseTime, query.RateWindowCutoff)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			picks, err := tx.IncrementPickCounter(ctx, "job-a")
			require.NoError(t, err)
			assert.Equal(t, int64(1), picks)

			remaining, err := tx.ConsumeRemaining(ctx, "job-a", baseTime)
			require.NoError(t, err)
			assert.Equal(t, int64(1), remaining)
			return nil
		})
		require.NoError(t, err)

		// Served to consumer-1 already, and origin-1 is at its limit for group-a.
		err = repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			job, err := tx.SelectCandidate(ctx, query)
			require.NoError(t, err)
			assert.Nil(t, job)

			job, err = tx.SelectCandidate(ctx, CandidateQuery{ConsumerId: "consumer-2", OriginId: "origin-1", RateLimit: 1, RateWindowCutoff: query.RateWindowCutoff})
			require.NoError(t, err)
			assert.Nil(t, job)

			job, err = tx.SelectCandidate(ctx, CandidateQuery{ConsumerId: "consumer-2", OriginId: "origin-2", RateLimit: 1, RateWindowCutoff: query.RateWindowCutoff})
			require.NoError(t, err)
			assert.NotNil(t, job)

			// Once the window has passed the counter no longer restricts origin-1.
			job, err = tx.SelectCandidate(ctx, CandidateQuery{ConsumerId: "consumer-2", OriginId: "origin-1", RateLimit: 1, RateWindowCutoff: baseTime})
			require.NoError(t, err)
			assert.NotNil(t, job)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestIncrementOriginCounter_ResetsStaleWindow(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, query scalarQuery) {
		ctx := context.Background()
		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			for i := 0; i < 3; i++ {
				_, err := tx.IncrementOriginCounter(ctx, "origin-1", "group-a", baseTime, baseTime.Add(-time.Hour))
				require.NoError(t, err)
			}
			later := baseTime.Add(2 * time.Hour)
			count, err := tx.IncrementOriginCounter(ctx, "origin-1", "group-a", later, later.Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
			return nil
		})
		require.NoError(t, err)

		windowStart := query(`SELECT window_start FROM origin_rate_counters`)
		assert.Equal(t, baseTime.Add(2*time.Hour).UnixMilli(), windowStart)
	})
}

func TestWithAllocationTx_RollsBackOnError(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, query scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo, availableJob("job-a", "group-a", 2))

		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			_, err := tx.InsertHistory(ctx, "consumer-1", "job-a", baseTime)
			require.NoError(t, err)
			_, err = tx.ConsumeRemaining(ctx, "job-a", baseTime)
			require.NoError(t, err)
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		historyCount := query(`SELECT COUNT(*) FROM consumer_history`)
		assert.Equal(t, int64(0), historyCount)

		job, err := repo.GetJob(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), job.Remaining)
	})
}

func TestConsumeRemaining_NeverNegative(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo, availableJob("job-a", "group-a", 1))
		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			remaining, err := tx.ConsumeRemaining(ctx, "job-a", baseTime)
			require.NoError(t, err)
			assert.Equal(t, int64(0), remaining)
			remaining, err = tx.ConsumeRemaining(ctx, "job-a", baseTime)
			require.NoError(t, err)
			assert.Equal(t, int64(0), remaining)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestPromoteExpiredCooldowns(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, query scalarQuery) {
		ctx := context.Background()
		insertJobs(t, repo,
			availableJob("due", "group-a", 3),
			availableJob("exhausted", "group-a", 1),
			availableJob("later", "group-a", 3),
		)
		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			require.NoError(t, tx.StartCooldown(ctx, "due", baseTime.Add(time.Minute), baseTime))
			_, err := tx.ConsumeRemaining(ctx, "exhausted", baseTime)
			require.NoError(t, err)
			require.NoError(t, tx.StartCooldown(ctx, "exhausted", baseTime.Add(time.Minute), baseTime))
			require.NoError(t, tx.StartCooldown(ctx, "later", baseTime.Add(time.Hour), baseTime))
			return nil
		})
		require.NoError(t, err)

		result, err := repo.PromoteExpiredCooldowns(ctx, baseTime.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"due"}, result.Promoted)
		assert.Equal(t, []string{"exhausted"}, result.Completed)

		due, err := repo.GetJob(ctx, "due")
		require.NoError(t, err)
		assert.Equal(t, model.Available, due.State)
		assert.Nil(t, due.CooldownUntil)

		exhausted, err := repo.GetJob(ctx, "exhausted")
		require.NoError(t, err)
		assert.Equal(t, model.Completed, exhausted.State)

		later, err := repo.GetJob(ctx, "later")
		require.NoError(t, err)
		assert.Equal(t, model.Cooldown, later.State)

		schedules := query(`SELECT COUNT(*) FROM delay_schedules`)
		assert.Equal(t, int64(1), schedules)
	})
}

func TestDeleteExpired(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, query scalarQuery) {
		ctx := context.Background()
		err := repo.WithAllocationTx(ctx, func(tx AllocationTx) error {
			for _, consumer := range []string{"c1", "c2", "c3"} {
				_, err := tx.InsertHistory(ctx, consumer, "job-a", baseTime)
				require.NoError(t, err)
			}
			_, err := tx.InsertHistory(ctx, "c4", "job-a", baseTime.Add(time.Hour))
			require.NoError(t, err)
			_, err = tx.IncrementOriginCounter(ctx, "o1", "g", baseTime, baseTime.Add(-time.Hour))
			require.NoError(t, err)
			_, err = tx.IncrementOriginCounter(ctx, "o2", "g", baseTime.Add(time.Hour), baseTime)
			require.NoError(t, err)
			return nil
		})
		require.NoError(t, err)

		deleted, err := repo.DeleteExpiredHistory(ctx, baseTime.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		deleted, err = repo.DeleteExpiredHistory(ctx, baseTime.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		history := query(`SELECT COUNT(*) FROM consumer_history`)
		assert.Equal(t, int64(1), history)

		deleted, err = repo.DeleteExpiredOriginCounters(ctx, baseTime, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})
}

func TestCountJobsByState(t *testing.T) {
	withRepositories(t, func(t *testing.T, repo JobRepository, _ scalarQuery) {
		ctx := context.Background()
		pending := availableJob("job-p", "", 1)
		pending.State = model.Pending
		insertJobs(t, repo, availableJob("job-a", "g", 1), availableJob("job-b", "g", 1), pending)

		counts, err := repo.CountJobsByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[model.Available])
		assert.Equal(t, int64(1), counts[model.Pending])
		assert.Equal(t, int64(0), counts[model.Completed])
		assert.NoError(t, repo.HealthCheck(ctx))
	})
}
