package cooldown

import (
	"context"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// Scheduler returns jobs whose cooldown has ended to the Available pool. It is the only component that moves jobs
// out of Cooldown.
type Scheduler struct {
	repo      database.JobRepository
	clock     clock.Clock
	batchSize int
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

func NewScheduler(repo database.JobRepository, clock clock.Clock, batchSize int, metrics *metrics.Metrics) *Scheduler {
	return &Scheduler{
		repo:      repo,
		clock:     clock,
		batchSize: batchSize,
		metrics:   metrics,
		log:       logging.NewComponentLogger("cooldown-scheduler"),
	}
}

// Cycle promotes every job whose cooldown ended at or before the current time, one batch per transaction.
func (s *Scheduler) Cycle(ctx context.Context) error {
	now := s.clock.Now()
	promoted, completed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.repo.PromoteExpiredCooldowns(ctx, now, s.batchSize)
		if err != nil {
			return err
		}
		promoted += len(result.Promoted)
		completed += len(result.Completed)
		if result.Total() < s.batchSize {
			break
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCooldownsEnded(model.Available, promoted)
		s.metrics.RecordCooldownsEnded(model.Completed, completed)
	}
	if promoted > 0 || completed > 0 {
		s.log.Infof("Returned %d jobs to the pool and completed %d jobs whose cooldown ended", promoted, completed)
	}
	return nil
}
