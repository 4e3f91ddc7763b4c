package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/apperrors"
	commondb "github.com/ssufhbfndk/yt-view-backend/internal/common/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// errLostRace is returned inside an allocation transaction when a concurrent allocation invalidated the
// candidate. The transaction is rolled back and selection is retried.
var errLostRace = errors.New("lost race to a concurrent allocation")

type CooldownPolicy interface {
	ResumeAt(class model.Classification, now time.Time) time.Time
}

// Allocator hands out jobs to consumers. Every allocation runs in a single transaction so that history, counters
// and job state are updated together or not at all.
type Allocator struct {
	repo    database.JobRepository
	policy  CooldownPolicy
	clock   clock.Clock
	config  configuration.AllocationConfig
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func New(
	repo database.JobRepository,
	policy CooldownPolicy,
	clock clock.Clock,
	config configuration.AllocationConfig,
	metrics *metrics.Metrics,
) *Allocator {
	return &Allocator{
		repo:    repo,
		policy:  policy,
		clock:   clock,
		config:  config,
		metrics: metrics,
		log:     logging.NewComponentLogger("allocator"),
	}
}

// Allocate selects one job for consumerId requesting on behalf of originId. It returns the job as it was before
// the allocation and true, or false if no job is currently eligible. Invalid ids are reported as
// ErrInvalidArgument; every other error is a store failure marked retryable, unless ctx was cancelled.
func (a *Allocator) Allocate(ctx context.Context, consumerId string, originId string) (model.JobSnapshot, bool, error) {
	start := a.clock.Now()
	if err := a.validateId("consumerId", consumerId); err != nil {
		return model.JobSnapshot{}, false, err
	}
	if err := a.validateId("originId", originId); err != nil {
		return model.JobSnapshot{}, false, err
	}

	for attempt := 1; attempt <= a.config.MaxSelectionAttempts; attempt++ {
		snapshot, state, found, err := a.tryAllocate(ctx, consumerId, originId)
		if errors.Is(err, errLostRace) {
			a.log.Debugf("Allocation attempt %d for consumer %s lost a race, retrying", attempt, consumerId)
			a.recordLostRace()
			continue
		}
		if err != nil {
			a.recordOutcome(metrics.OutcomeError, start)
			if commondb.IsRetryableError(err) {
				a.log.WithError(err).Debugf("Allocation for consumer %s hit database contention", consumerId)
			} else {
				logging.WithStacktrace(a.log, err).Warnf("Allocation for consumer %s failed", consumerId)
			}
			return model.JobSnapshot{}, false, commondb.MarkRetryable("allocate", err)
		}
		if !found {
			a.recordOutcome(metrics.OutcomeNone, start)
			return model.JobSnapshot{}, false, nil
		}
		a.recordOutcome(string(state), start)
		return snapshot, true, nil
	}
	a.log.Warnf("Giving up allocating for consumer %s after %d attempts", consumerId, a.config.MaxSelectionAttempts)
	a.recordOutcome(metrics.OutcomeNone, start)
	return model.JobSnapshot{}, false, nil
}

// tryAllocate makes a single allocation attempt, returning the snapshot of the allocated job and the state it was
// left in.
func (a *Allocator) tryAllocate(ctx context.Context, consumerId string, originId string) (model.JobSnapshot, model.State, bool, error) {
	var (
		snapshot model.JobSnapshot
		state    model.State
		found    bool
	)
	err := a.repo.WithAllocationTx(ctx, func(tx database.AllocationTx) error {
		// Reset in case the transaction function is retried.
		snapshot, state, found = model.JobSnapshot{}, "", false

		now := a.clock.Now()
		windowCutoff := now.Add(-a.config.RateWindow)
		job, err := tx.SelectCandidate(ctx, database.CandidateQuery{
			ConsumerId:       consumerId,
			OriginId:         originId,
			RateLimit:        a.config.OriginRateLimit,
			RateWindowCutoff: windowCutoff,
		})
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		inserted, err := tx.InsertHistory(ctx, consumerId, job.JobId, now)
		if err != nil {
			return err
		}
		if !inserted {
			return errLostRace
		}

		count, err := tx.IncrementOriginCounter(ctx, originId, job.GroupKey, now, windowCutoff)
		if err != nil {
			return err
		}
		if count > a.config.OriginRateLimit {
			return errLostRace
		}

		picks, err := tx.IncrementPickCounter(ctx, job.JobId)
		if err != nil {
			return err
		}

		remaining := job.Remaining
		decremented := false
		if picks >= a.config.PickThreshold && remaining > 0 {
			remaining, err = tx.ConsumeRemaining(ctx, job.JobId, now)
			if err != nil {
				return err
			}
			decremented = true
		}

		switch {
		case remaining <= 0:
			if err := tx.CompleteJob(ctx, job.JobId, now); err != nil {
				return err
			}
			state = model.Completed
		case decremented:
			resumeAt := a.policy.ResumeAt(job.Classification, now)
			if err := tx.StartCooldown(ctx, job.JobId, resumeAt, now); err != nil {
				return err
			}
			state = model.Cooldown
		default:
			state = model.Available
		}

		snapshot = job.Snapshot()
		found = true
		return nil
	})
	if err != nil {
		return model.JobSnapshot{}, "", false, err
	}
	return snapshot, state, found, nil
}

func (a *Allocator) validateId(name string, value string) error {
	if value == "" {
		return errors.WithStack(&apperrors.ErrInvalidArgument{Name: name, Value: value, Message: "must not be empty"})
	}
	if a.config.MaxIdLength > 0 && len(value) > a.config.MaxIdLength {
		return errors.WithStack(&apperrors.ErrInvalidArgument{
			Name:    name,
			Value:   value,
			Message: fmt.Sprintf("must not be longer than %d characters", a.config.MaxIdLength),
		})
	}
	return nil
}

func (a *Allocator) recordOutcome(outcome string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordAllocation(outcome, a.clock.Since(start))
	}
}

func (a *Allocator) recordLostRace() {
	if a.metrics != nil {
		a.metrics.RecordLostRace()
	}
}
