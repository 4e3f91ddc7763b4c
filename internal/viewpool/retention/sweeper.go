package retention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
)

const (
	historyTable        = "consumer_history"
	originCountersTable = "origin_rate_counters"
)

// Sweeper deletes consumer history older than the retention period, making those jobs eligible for the same
// consumer again, and origin rate counters whose window has elapsed.
type Sweeper struct {
	repo             database.JobRepository
	clock            clock.Clock
	historyRetention time.Duration
	rateWindow       time.Duration
	batchSize        int
	metrics          *metrics.Metrics
	log              *logrus.Entry
}

func NewSweeper(
	repo database.JobRepository,
	clock clock.Clock,
	historyRetention time.Duration,
	rateWindow time.Duration,
	batchSize int,
	metrics *metrics.Metrics,
) *Sweeper {
	return &Sweeper{
		repo:             repo,
		clock:            clock,
		historyRetention: historyRetention,
		rateWindow:       rateWindow,
		batchSize:        batchSize,
		metrics:          metrics,
		log:              logging.NewComponentLogger("retention-sweeper"),
	}
}

// Cycle deletes everything that has expired at the current time, one batch per transaction. A failure is logged
// and returned; whatever was not deleted is picked up by the next cycle.
func (s *Sweeper) Cycle(ctx context.Context) error {
	now := s.clock.Now()
	start := time.Now()

	historyDeleted, err := s.sweep(ctx, historyTable, now.Add(-s.historyRetention), s.repo.DeleteExpiredHistory)
	if err != nil {
		logging.WithStacktrace(s.log, err).Error("Failed to delete expired consumer history")
		return err
	}
	countersDeleted, err := s.sweep(ctx, originCountersTable, now.Add(-s.rateWindow), s.repo.DeleteExpiredOriginCounters)
	if err != nil {
		logging.WithStacktrace(s.log, err).Error("Failed to delete elapsed origin rate counters")
		return err
	}

	if historyDeleted > 0 || countersDeleted > 0 {
		s.log.Infof(
			"Deleted %d expired history entries and %d elapsed origin counters in %s",
			historyDeleted, countersDeleted, time.Since(start))
	}
	return nil
}

type deleteFunc func(ctx context.Context, cutoff time.Time, limit int) (int64, error)

func (s *Sweeper) sweep(ctx context.Context, table string, cutoff time.Time, deleteBatch deleteFunc) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := deleteBatch(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if s.metrics != nil {
			s.metrics.RecordSweptRows(table, deleted)
		}
		if deleted < int64(s.batchSize) {
			return total, nil
		}
	}
}
