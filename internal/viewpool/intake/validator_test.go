package intake

import (
	"context"
	"database/sql"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/reference"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/validity"
)

var baseTime = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

var testConfig = configuration.IntakeConfig{
	AttritionBuffer:      0.15,
	ShortFormMaxDuration: time.Minute,
	PendingInterval:      time.Second,
	PendingBatchSize:     10,
	ValidationAttempts:   3,
}

func withSqliteRepository(t *testing.T, action func(repo *database.SqliteJobRepository, db *sql.DB)) {
	err := database.WithTestSqliteRepository(t.TempDir(), func(repo *database.SqliteJobRepository, db *sql.DB) error {
		action(repo, db)
		return nil
	})
	require.NoError(t, err)
}

func withValidator(t *testing.T, checker validity.Checker, action func(v *Validator, repo *database.SqliteJobRepository, db *sql.DB)) {
	withSqliteRepository(t, func(repo *database.SqliteJobRepository, db *sql.DB) {
		action(NewValidator(repo, checker, clock.NewFakeClock(baseTime), testConfig, metrics.New()), repo, db)
	})
}

func statuses(outcomes []model.IntakeOutcome) []string {
	result := make([]string, len(outcomes))
	for i, outcome := range outcomes {
		result[i] = outcome.String()
	}
	return result
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&count))
	return count
}

func TestSubmit_SameReferenceTwiceInBatch(t *testing.T) {
	withValidator(t, validity.AcceptAllChecker{}, func(v *Validator, repo *database.SqliteJobRepository, _ *sql.DB) {
		ctx := context.Background()
		outcomes, err := v.Submit(ctx, []model.Submission{
			{JobId: "order-1", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 100},
			{JobId: "order-2", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 50},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"accepted", "rejected:duplicate"}, statuses(outcomes))

		first, err := repo.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Available, first.State)
		assert.Equal(t, int64(115), first.Remaining)

		second, err := repo.GetJob(ctx, "order-2")
		require.NoError(t, err)
		assert.Equal(t, model.Rejected, second.State)
		assert.Equal(t, model.ReasonDuplicate, second.RejectReason)
	})
}

func TestSubmit_SameResourceDifferentFormat(t *testing.T) {
	withValidator(t, validity.AcceptAllChecker{}, func(v *Validator, _ *database.SqliteJobRepository, _ *sql.DB) {
		outcomes, err := v.Submit(context.Background(), []model.Submission{
			{JobId: "order-1", TargetReference: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", RequestedCount: 10},
			{JobId: "order-2", TargetReference: "https://m.youtube.com/embed/dQw4w9WgXcQ", RequestedCount: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"accepted", "rejected:duplicate"}, statuses(outcomes))
	})
}

func TestSubmit_IsIdempotent(t *testing.T) {
	withValidator(t, validity.AcceptAllChecker{}, func(v *Validator, repo *database.SqliteJobRepository, db *sql.DB) {
		ctx := context.Background()
		batch := []model.Submission{
			{JobId: "order-1", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
			{JobId: "order-2", TargetReference: "not a url", RequestedCount: 10},
		}
		outcomes, err := v.Submit(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, []string{"accepted", "rejected:malformed-reference"}, statuses(outcomes))
		assert.Equal(t, 2, countRows(t, db, "intake_log"))

		outcomes, err = v.Submit(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, []string{"rejected:duplicate", "rejected:duplicate"}, statuses(outcomes))
		assert.Equal(t, 2, countRows(t, db, "jobs"))
		assert.Equal(t, 2, countRows(t, db, "intake_log"))

		job, err := repo.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Available, job.State)
		assert.Equal(t, int64(12), job.Remaining)
	})
}

func TestSubmit_InvalidRequests(t *testing.T) {
	tests := map[string]struct {
		submission     model.Submission
		expectedReason string
		stored         bool
	}{
		"zero count": {
			submission:     model.Submission{JobId: "order", TargetReference: "https://youtu.be/dQw4w9WgXcQ"},
			expectedReason: model.ReasonInvalidRequest,
			stored:         true,
		},
		"negative count": {
			submission:     model.Submission{JobId: "order", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: -1},
			expectedReason: model.ReasonInvalidRequest,
			stored:         true,
		},
		"absurd count": {
			submission:     model.Submission{JobId: "order", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: MaxRequestedCount + 1},
			expectedReason: model.ReasonInvalidRequest,
			stored:         true,
		},
		"empty reference": {
			submission:     model.Submission{JobId: "order", RequestedCount: 10},
			expectedReason: model.ReasonInvalidRequest,
			stored:         true,
		},
		"empty job id": {
			submission:     model.Submission{TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
			expectedReason: model.ReasonInvalidRequest,
			stored:         false,
		},
		"unsupported host": {
			submission:     model.Submission{JobId: "order", TargetReference: "https://vimeo.com/12345678", RequestedCount: 10},
			expectedReason: model.ReasonMalformedReference,
			stored:         true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withValidator(t, validity.AcceptAllChecker{}, func(v *Validator, repo *database.SqliteJobRepository, db *sql.DB) {
				outcomes, err := v.Submit(context.Background(), []model.Submission{tc.submission})
				require.NoError(t, err)
				require.Len(t, outcomes, 1)
				assert.Equal(t, model.RejectedJob, outcomes[0].Status)
				assert.Equal(t, tc.expectedReason, outcomes[0].Reason)
				if tc.stored {
					job, err := repo.GetJob(context.Background(), "order")
					require.NoError(t, err)
					assert.Equal(t, model.Rejected, job.State)
					assert.Equal(t, tc.expectedReason, job.RejectReason)
				} else {
					assert.Equal(t, 0, countRows(t, db, "jobs"))
				}
			})
		})
	}
}

func TestSubmit_RejectedByCollaborator(t *testing.T) {
	checker := validity.CheckerFunc(func(_ context.Context, _ string) (validity.Result, error) {
		return validity.Result{Valid: false, Reason: validity.ReasonPrivate}, nil
	})
	withValidator(t, checker, func(v *Validator, repo *database.SqliteJobRepository, _ *sql.DB) {
		ctx := context.Background()
		outcomes, err := v.Submit(ctx, []model.Submission{
			{JobId: "order-1", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"rejected:private"}, statuses(outcomes))

		job, err := repo.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Rejected, job.State)
		assert.Equal(t, validity.ReasonPrivate, job.RejectReason)

		// A rejected job does not block a new submission of the same resource.
		outcomes, err = v.Submit(ctx, []model.Submission{
			{JobId: "order-2", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"rejected:private"}, statuses(outcomes))
	})
}

func TestSubmit_TransientFailureLeavesJobPending(t *testing.T) {
	var calls int32
	var healthy int32
	checker := validity.CheckerFunc(func(_ context.Context, _ string) (validity.Result, error) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&healthy) == 0 {
			return validity.Result{}, errors.New("collaborator unavailable")
		}
		return validity.Result{Valid: true, GroupKey: "channel-1"}, nil
	})
	withValidator(t, checker, func(v *Validator, repo *database.SqliteJobRepository, db *sql.DB) {
		ctx := context.Background()
		outcomes, err := v.Submit(ctx, []model.Submission{
			{JobId: "order-1", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, model.Accepted, outcomes[0].Status)
		assert.Equal(t, model.Pending, outcomes[0].State)
		assert.Equal(t, int32(testConfig.ValidationAttempts), atomic.LoadInt32(&calls))
		assert.Equal(t, 0, countRows(t, db, "intake_log"))

		job, err := repo.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Pending, job.State)

		atomic.StoreInt32(&healthy, 1)
		require.NoError(t, v.ProcessPending(ctx))

		job, err = repo.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Available, job.State)
		assert.Equal(t, "channel-1", job.GroupKey)
		assert.Equal(t, 1, countRows(t, db, "intake_log"))
	})
}

func TestSubmit_ReportsOutcomeOfConcurrentValidation(t *testing.T) {
	var repo *database.SqliteJobRepository
	// While this validation is waiting on the collaborator, a concurrent one accepts the job.
	checker := validity.CheckerFunc(func(ctx context.Context, _ string) (validity.Result, error) {
		accepted, err := repo.AcceptPendingJob(ctx, "order-1", model.LongForm, "channel-1", baseTime)
		if err != nil {
			return validity.Result{}, err
		}
		if !accepted {
			return validity.Result{}, errors.New("job was not pending")
		}
		return validity.Result{Valid: false, Reason: validity.ReasonPrivate}, nil
	})
	withValidator(t, checker, func(v *Validator, r *database.SqliteJobRepository, db *sql.DB) {
		repo = r
		ctx := context.Background()
		outcomes, err := v.Submit(ctx, []model.Submission{
			{JobId: "order-1", TargetReference: "https://youtu.be/dQw4w9WgXcQ", RequestedCount: 10},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, model.Accepted, outcomes[0].Status)
		assert.Equal(t, model.Available, outcomes[0].State)
		assert.Empty(t, outcomes[0].Reason)

		job, err := r.GetJob(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, model.Available, job.State)
		// The outcome belongs to the validation that moved the job.
		assert.Equal(t, 0, countRows(t, db, "intake_log"))
	})
}

func TestSubmit_ClassifiesJobs(t *testing.T) {
	withValidator(t, validity.AcceptAllChecker{}, func(v *Validator, repo *database.SqliteJobRepository, _ *sql.DB) {
		ctx := context.Background()
		_, err := v.Submit(ctx, []model.Submission{
			{JobId: "short", TargetReference: "https://youtube.com/shorts/aaaaaaaaaaa", RequestedCount: 10},
			{JobId: "live", TargetReference: "https://youtube.com/live/bbbbbbbbbbb", RequestedCount: 10},
			{JobId: "hinted", TargetReference: "https://youtu.be/ccccccccccc", RequestedCount: 10, DurationHint: 45 * time.Second},
			{JobId: "long", TargetReference: "https://youtu.be/ddddddddddd", RequestedCount: 10, DurationHint: 10 * time.Minute},
		})
		require.NoError(t, err)

		expected := map[string]model.Classification{
			"short":  model.ShortForm,
			"live":   model.Live,
			"hinted": model.ShortForm,
			"long":   model.LongForm,
		}
		for jobId, classification := range expected {
			job, err := repo.GetJob(ctx, jobId)
			require.NoError(t, err)
			assert.Equal(t, classification, job.Classification, jobId)
			assert.Equal(t, model.Available, job.State, jobId)
		}
	})
}

func TestBufferedCount(t *testing.T) {
	tests := map[string]struct {
		requested int64
		buffer    float64
		expected  int64
	}{
		"exact":         {requested: 100, buffer: 0.15, expected: 115},
		"rounds up":     {requested: 10, buffer: 0.15, expected: 12},
		"smallest job":  {requested: 1, buffer: 0.15, expected: 2},
		"no buffer":     {requested: 7, buffer: 0, expected: 7},
		"large buffer":  {requested: 3, buffer: 1, expected: 6},
		"tiny fraction": {requested: 20, buffer: 0.0001, expected: 21},
		"huge request":  {requested: 1_000_000_000_000_000, buffer: 0.15, expected: 1_150_000_000_000_000},
		"saturates":     {requested: math.MaxInt64, buffer: 1, expected: math.MaxInt64},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BufferedCount(tc.requested, tc.buffer))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		kind     reference.Kind
		hint     time.Duration
		expected model.Classification
	}{
		"short path":    {kind: reference.KindShort, hint: time.Hour, expected: model.ShortForm},
		"live path":     {kind: reference.KindLive, expected: model.Live},
		"no hint":       {kind: reference.KindVideo, expected: model.LongForm},
		"short hint":    {kind: reference.KindVideo, hint: 30 * time.Second, expected: model.ShortForm},
		"boundary hint": {kind: reference.KindVideo, hint: time.Minute, expected: model.ShortForm},
		"long hint":     {kind: reference.KindVideo, hint: time.Minute + time.Second, expected: model.LongForm},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(reference.Reference{Kind: tc.kind}, tc.hint, time.Minute))
		})
	}
}
