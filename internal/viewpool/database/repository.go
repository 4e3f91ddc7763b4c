package database

import (
	"context"
	"time"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// CandidateQuery describes the consumer and origin an allocation is being made for.
type CandidateQuery struct {
	ConsumerId string
	OriginId   string
	// Jobs whose origin counter has reached RateLimit are excluded, unless the counter window started at or
	// before RateWindowCutoff, in which case the counter is stale and treated as zero.
	RateLimit        int64
	RateWindowCutoff time.Time
}

// AllocationTx is the set of operations the allocator performs inside a single transaction.
type AllocationTx interface {
	// SelectCandidate picks one eligible Available job uniformly at random and locks it for the rest of the
	// transaction. Returns nil if there is no eligible job.
	SelectCandidate(ctx context.Context, query CandidateQuery) (*model.Job, error)
	// InsertHistory records that jobId was served to consumerId. Returns false if the pair already exists.
	InsertHistory(ctx context.Context, consumerId string, jobId string, servedAt time.Time) (bool, error)
	// IncrementOriginCounter adds one to the counter for (originId, groupKey), first resetting it if its window
	// started at or before windowCutoff, and returns the new count.
	IncrementOriginCounter(ctx context.Context, originId string, groupKey string, now time.Time, windowCutoff time.Time) (int64, error)
	// IncrementPickCounter adds one to the pick counter of jobId and returns the new count.
	IncrementPickCounter(ctx context.Context, jobId string) (int64, error)
	// ConsumeRemaining decrements the remaining count of jobId, never below zero, and returns the new value.
	ConsumeRemaining(ctx context.Context, jobId string, now time.Time) (int64, error)
	// CompleteJob moves jobId to Completed and clears its pick counter and delay schedule.
	CompleteJob(ctx context.Context, jobId string, now time.Time) error
	// StartCooldown moves jobId to Cooldown until resumeAt and records its delay schedule.
	StartCooldown(ctx context.Context, jobId string, resumeAt time.Time, now time.Time) error
}

// PromotionResult lists the jobs moved out of Cooldown by one promotion batch.
type PromotionResult struct {
	Promoted  []string
	Completed []string
}

func (r PromotionResult) Total() int {
	return len(r.Promoted) + len(r.Completed)
}

type JobRepository interface {
	// WithAllocationTx runs fn in a transaction, committing if fn returns nil and rolling back otherwise.
	WithAllocationTx(ctx context.Context, fn func(tx AllocationTx) error) error

	// InsertJob stores a new job. It returns false, and stores nothing, if a job with the same id exists or if the
	// job is not Rejected and a non Rejected job with the same target reference or target key exists.
	InsertJob(ctx context.Context, job model.Job) (bool, error)
	// JobExists reports whether a job with jobId exists, or a non Rejected job holds targetReference.
	JobExists(ctx context.Context, jobId string, targetReference string) (bool, error)
	GetJob(ctx context.Context, jobId string) (model.Job, error)
	// FetchPendingJobs returns up to limit Pending jobs, oldest first.
	FetchPendingJobs(ctx context.Context, limit int) ([]model.Job, error)
	// AcceptPendingJob moves a Pending job to Available. Returns false if the job was not Pending.
	AcceptPendingJob(ctx context.Context, jobId string, classification model.Classification, groupKey string, now time.Time) (bool, error)
	// RejectPendingJob moves a Pending job to Rejected. Returns false if the job was not Pending.
	RejectPendingJob(ctx context.Context, jobId string, reason string, now time.Time) (bool, error)
	// RecordIntakeOutcome logs the intake outcome of jobId unless one was already logged. Returns true if this
	// call wrote the record.
	RecordIntakeOutcome(ctx context.Context, jobId string, status model.IntakeStatus, reason string, now time.Time) (bool, error)

	// PromoteExpiredCooldowns moves up to limit Cooldown jobs whose cooldown ended at or before now back to
	// Available (or to Completed if nothing remains) and deletes their delay schedules.
	PromoteExpiredCooldowns(ctx context.Context, now time.Time, limit int) (PromotionResult, error)

	// DeleteExpiredHistory deletes up to limit history entries served before cutoff.
	DeleteExpiredHistory(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// DeleteExpiredOriginCounters deletes up to limit origin counters whose window started at or before cutoff.
	DeleteExpiredOriginCounters(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	CountJobsByState(ctx context.Context) (map[model.State]int64, error)
	HealthCheck(ctx context.Context) error
}
