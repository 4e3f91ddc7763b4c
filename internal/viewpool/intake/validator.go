package intake

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/apperrors"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/util"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/reference"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/validity"
)

const basisPoints = 10000

// MaxRequestedCount bounds the count a single job may request.
const MaxRequestedCount = 1_000_000_000_000

// Validator admits submitted jobs into the pool. Submissions are checked for duplicates and malformed references,
// stored as Pending, validated with the validity collaborator and, if valid, classified and made Available.
type Validator struct {
	repo    database.JobRepository
	checker validity.Checker
	clock   clock.Clock
	config  configuration.IntakeConfig
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewValidator(
	repo database.JobRepository,
	checker validity.Checker,
	clock clock.Clock,
	config configuration.IntakeConfig,
	metrics *metrics.Metrics,
) *Validator {
	return &Validator{
		repo:    repo,
		checker: checker,
		clock:   clock,
		config:  config,
		metrics: metrics,
		log:     logging.NewComponentLogger("intake"),
	}
}

// Submit processes submissions in order and returns one outcome per submission. Each submission is stored before
// the next is looked at, so a later submission sees the ones before it. An error is returned only if the store
// fails, together with the outcomes of the submissions processed so far.
func (v *Validator) Submit(ctx context.Context, submissions []model.Submission) ([]model.IntakeOutcome, error) {
	batchId := util.NewULID()
	log := v.log.WithField("batchId", batchId)
	log.Infof("Processing intake batch of %d submissions", len(submissions))

	outcomes := make([]model.IntakeOutcome, 0, len(submissions))
	for _, submission := range submissions {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := v.submitOne(ctx, submission)
		if err != nil {
			logging.WithStacktrace(log, err).Errorf("Failed to process submission %s", submission.JobId)
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (v *Validator) submitOne(ctx context.Context, submission model.Submission) (model.IntakeOutcome, error) {
	jobId := strings.TrimSpace(submission.JobId)
	rawReference := strings.TrimSpace(submission.TargetReference)
	if jobId == "" {
		// Nothing can be stored without an id.
		return v.finish(ctx, model.IntakeOutcome{Status: model.RejectedJob, Reason: model.ReasonInvalidRequest})
	}

	exists, err := v.repo.JobExists(ctx, jobId, rawReference)
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	if exists {
		return v.reject(ctx, jobId, rawReference, submission, model.ReasonDuplicate)
	}

	if submission.RequestedCount <= 0 || submission.RequestedCount > MaxRequestedCount || rawReference == "" {
		return v.reject(ctx, jobId, rawReference, submission, model.ReasonInvalidRequest)
	}

	ref, err := reference.Parse(rawReference)
	if err != nil {
		return v.reject(ctx, jobId, rawReference, submission, model.ReasonMalformedReference)
	}

	now := v.clock.Now()
	job := model.Job{
		JobId:           jobId,
		TargetReference: ref.Raw,
		TargetKey:       ref.Key,
		GroupKey:        ref.Key,
		RequestedCount:  submission.RequestedCount,
		Remaining:       BufferedCount(submission.RequestedCount, v.config.AttritionBuffer),
		Classification:  Classify(ref, submission.DurationHint, v.config.ShortFormMaxDuration),
		State:           model.Pending,
		DurationHint:    submission.DurationHint,
		Created:         now,
		LastModified:    now,
	}
	inserted, err := v.repo.InsertJob(ctx, job)
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	if !inserted {
		// Another job already targets the same resource.
		return v.reject(ctx, jobId, rawReference, submission, model.ReasonDuplicate)
	}
	return v.validate(ctx, job, ref)
}

// validate asks the validity collaborator about a Pending job and moves it to Available or Rejected. If the
// collaborator keeps failing the job is left Pending to be retried by ProcessPending.
func (v *Validator) validate(ctx context.Context, job model.Job, ref reference.Reference) (model.IntakeOutcome, error) {
	var result validity.Result
	err := retry.Do(
		func() error {
			var err error
			result, err = v.checker.Check(ctx, job.TargetReference)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(v.config.ValidationAttempts),
		retry.Delay(v.config.ValidationInitialDelay),
		retry.MaxDelay(v.config.ValidationMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.IntakeOutcome{}, ctxErr
		}
		err = &apperrors.ErrMaxRetriesExceeded{
			Message:   fmt.Sprintf("validity of job %s could not be determined", job.JobId),
			LastError: err,
		}
		v.log.WithError(err).Warn("Leaving job pending")
		outcome := model.IntakeOutcome{JobId: job.JobId, Status: model.Accepted, State: model.Pending}
		v.recordMetrics(outcome)
		return outcome, nil
	}

	now := v.clock.Now()
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = validity.ReasonInvalid
		}
		rejected, err := v.repo.RejectPendingJob(ctx, job.JobId, reason, now)
		if err != nil {
			return model.IntakeOutcome{}, err
		}
		if !rejected {
			return v.settledOutcome(ctx, job.JobId)
		}
		return v.finish(ctx, model.IntakeOutcome{JobId: job.JobId, Status: model.RejectedJob, Reason: reason, State: model.Rejected})
	}

	groupKey := result.GroupKey
	if groupKey == "" {
		groupKey = ref.Key
	}
	classification := Classify(ref, job.DurationHint, v.config.ShortFormMaxDuration)
	accepted, err := v.repo.AcceptPendingJob(ctx, job.JobId, classification, groupKey, now)
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	if !accepted {
		return v.settledOutcome(ctx, job.JobId)
	}
	return v.finish(ctx, model.IntakeOutcome{JobId: job.JobId, Status: model.Accepted, State: model.Available})
}

// reject stores a Rejected job for jobId unless a job with that id already exists.
func (v *Validator) reject(ctx context.Context, jobId string, rawReference string, submission model.Submission, reason string) (model.IntakeOutcome, error) {
	now := v.clock.Now()
	inserted, err := v.repo.InsertJob(ctx, model.Job{
		JobId:           jobId,
		TargetReference: rawReference,
		RequestedCount:  submission.RequestedCount,
		State:           model.Rejected,
		RejectReason:    reason,
		DurationHint:    submission.DurationHint,
		Created:         now,
		LastModified:    now,
	})
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	outcome := model.IntakeOutcome{JobId: jobId, Status: model.RejectedJob, Reason: reason}
	if !inserted {
		// The outcome log of jobId belongs to the existing job.
		v.recordMetrics(outcome)
		return outcome, nil
	}
	outcome.State = model.Rejected
	return v.finish(ctx, outcome)
}

// settledOutcome reports the state of a job that left Pending through a concurrent validation rather than this
// one. That validation records the intake outcome.
func (v *Validator) settledOutcome(ctx context.Context, jobId string) (model.IntakeOutcome, error) {
	job, err := v.repo.GetJob(ctx, jobId)
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	v.log.WithField("jobId", jobId).Debugf("Job was moved to %s by a concurrent validation", job.State)
	outcome := model.IntakeOutcome{JobId: jobId, Status: model.Accepted, State: job.State}
	if job.State == model.Rejected {
		outcome.Status = model.RejectedJob
		outcome.Reason = job.RejectReason
	}
	return outcome, nil
}

// finish records a terminal outcome. The outcome is logged only the first time it is recorded for a job id.
func (v *Validator) finish(ctx context.Context, outcome model.IntakeOutcome) (model.IntakeOutcome, error) {
	v.recordMetrics(outcome)
	if outcome.JobId == "" {
		v.log.Infof("Rejected submission without a job id: %s", outcome)
		return outcome, nil
	}
	written, err := v.repo.RecordIntakeOutcome(ctx, outcome.JobId, outcome.Status, outcome.Reason, v.clock.Now())
	if err != nil {
		return model.IntakeOutcome{}, err
	}
	if written {
		v.log.WithField("jobId", outcome.JobId).Infof("Intake outcome: %s", outcome)
	}
	return outcome, nil
}

func (v *Validator) recordMetrics(outcome model.IntakeOutcome) {
	if v.metrics != nil {
		v.metrics.RecordIntakeOutcome(outcome)
	}
}

// ProcessPending revalidates Pending jobs, oldest first, up to the configured batch size.
func (v *Validator) ProcessPending(ctx context.Context) error {
	jobs, err := v.repo.FetchPendingJobs(ctx, v.config.PendingBatchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	v.log.Infof("Revalidating %d pending jobs", len(jobs))
	for _, job := range jobs {
		ref, err := reference.Parse(job.TargetReference)
		if err != nil {
			// Pending jobs were parsed when they were stored.
			logging.WithStacktrace(v.log, err).Errorf("Pending job %s has an unparseable reference", job.JobId)
			rejected, err := v.repo.RejectPendingJob(ctx, job.JobId, model.ReasonMalformedReference, v.clock.Now())
			if err != nil {
				return err
			}
			if !rejected {
				continue
			}
			if _, err := v.finish(ctx, model.IntakeOutcome{
				JobId:  job.JobId,
				Status: model.RejectedJob,
				Reason: model.ReasonMalformedReference,
				State:  model.Rejected,
			}); err != nil {
				return err
			}
			continue
		}
		if _, err := v.validate(ctx, job, ref); err != nil {
			return err
		}
	}
	return nil
}

// BufferedCount returns requested increased by the attrition buffer, rounded up. The buffer is applied in basis
// points so that e.g. 100 with a buffer of 0.15 is exactly 115.
func BufferedCount(requested int64, buffer float64) int64 {
	if buffer <= 0 {
		return requested
	}
	bp := int64(math.Round(buffer * basisPoints))
	// Split requested so that requested*bp cannot overflow.
	whole, part := requested/basisPoints, requested%basisPoints
	extra := whole*bp + (part*bp+basisPoints-1)/basisPoints
	if extra > math.MaxInt64-requested {
		return math.MaxInt64
	}
	return requested + extra
}

// Classify decides the cooldown policy of a job from the shape of its reference and, failing that, its hinted
// duration.
func Classify(ref reference.Reference, durationHint time.Duration, shortFormMaxDuration time.Duration) model.Classification {
	switch ref.Kind {
	case reference.KindShort:
		return model.ShortForm
	case reference.KindLive:
		return model.Live
	}
	if durationHint > 0 && durationHint <= shortFormMaxDuration {
		return model.ShortForm
	}
	return model.LongForm
}
