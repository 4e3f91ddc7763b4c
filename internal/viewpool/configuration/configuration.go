package configuration

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	commonconfig "github.com/ssufhbfndk/yt-view-backend/internal/common/config"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

const (
	PostgresDatabase = "postgres"
	SqliteDatabase   = "sqlite"

	StandaloneLeaderMode = "standalone"
	RedisLeaderMode      = "redis"

	AcceptAllValidity = "acceptAll"
	HttpValidity      = "http"
)

type Configuration struct {
	// Which store to use: postgres or sqlite
	DatabaseType string `validate:"oneof=postgres sqlite"`
	Postgres     database.PostgresConfig
	Sqlite       database.SqliteConfig
	Redis        commonconfig.RedisConfig
	Leader       LeaderConfig
	Allocation   AllocationConfig
	Intake       IntakeConfig
	Validity     ValidityConfig
	Cooldown     CooldownConfig
	Retention    RetentionConfig
	// Port on which prometheus metrics are served
	MetricsPort uint16 `validate:"required"`
	// Port on which the /health endpoint is served
	HttpPort uint16 `validate:"required"`
}

type LeaderConfig struct {
	// standalone or redis
	Mode string `validate:"oneof=standalone redis"`
	// Redis key holding the lease
	LeaseKey string
	// How long a lease is valid for once acquired or renewed
	LeaseDuration time.Duration
	// How often the holder renews, and non holders try to acquire, the lease
	RetryPeriod time.Duration
	// Name of this instance, reported in metrics. Defaults to the hostname.
	InstanceName string
}

type AllocationConfig struct {
	// Number of distinct consumers that must be served a job before each further pick consumes one unit of its
	// remaining count.
	PickThreshold int64 `validate:"gte=1"`
	// Maximum allocations per (origin, group key) within RateWindow.
	OriginRateLimit int64 `validate:"gte=1"`
	RateWindow      time.Duration `validate:"required"`
	// How many times candidate selection is retried after losing a race to a concurrent allocation.
	MaxSelectionAttempts int `validate:"gte=1"`
	// Maximum length of consumer and origin ids.
	MaxIdLength int `validate:"gte=1"`
}

type IntakeConfig struct {
	// Fraction added to the requested count to compensate for fulfillments expected to be lost, e.g. 0.15.
	AttritionBuffer float64 `validate:"gte=0,lte=10"`
	// Jobs hinted to be no longer than this are classified as short form.
	ShortFormMaxDuration time.Duration
	// How often pending jobs are revalidated and how many per cycle.
	PendingInterval  time.Duration `validate:"required"`
	PendingBatchSize int           `validate:"gte=1"`
	// Backoff used when the validity collaborator fails transiently.
	ValidationAttempts     uint          `validate:"gte=1"`
	ValidationInitialDelay time.Duration
	ValidationMaxDelay     time.Duration
}

type ValidityConfig struct {
	// acceptAll or http
	Mode string `validate:"oneof=acceptAll http"`
	// Endpoint of the validity collaborator, used in http mode.
	Url     string
	Timeout time.Duration
	// How long a definite answer from the collaborator is cached.
	CacheExpiry time.Duration
}

type CooldownConfig struct {
	// Random range from which the cooldown of a job entering Cooldown is drawn, per classification.
	ShortForm commonconfig.DurationRange
	LongForm  commonconfig.DurationRange
	Live      commonconfig.DurationRange
	// How often expired cooldowns are promoted back to Available.
	SchedulerInterval time.Duration `validate:"required"`
	BatchSize         int           `validate:"gte=1"`
}

// Ranges returns the cooldown table keyed by classification.
func (c CooldownConfig) Ranges() map[model.Classification]commonconfig.DurationRange {
	return map[model.Classification]commonconfig.DurationRange{
		model.ShortForm: c.ShortForm,
		model.LongForm:  c.LongForm,
		model.Live:      c.Live,
	}
}

type RetentionConfig struct {
	// Consumer history older than this is deleted, making the job eligible for that consumer again.
	HistoryRetention time.Duration `validate:"required"`
	SweepInterval    time.Duration `validate:"required"`
	BatchSize        int           `validate:"gte=1"`
}

// Validate checks rules which cannot be expressed with struct tags. All violations are returned.
func (c Configuration) Validate() error {
	var result *multierror.Error

	switch c.DatabaseType {
	case PostgresDatabase:
		if len(c.Postgres.Connection) == 0 {
			result = multierror.Append(result, fmt.Errorf("postgres.connection must be set when databaseType is %s", PostgresDatabase))
		}
	case SqliteDatabase:
		if c.Sqlite.Path == "" {
			result = multierror.Append(result, fmt.Errorf("sqlite.path must be set when databaseType is %s", SqliteDatabase))
		}
	}

	if c.Leader.Mode == RedisLeaderMode {
		if len(c.Redis.Addrs) == 0 {
			result = multierror.Append(result, fmt.Errorf("redis.addrs must be set when leader.mode is %s", RedisLeaderMode))
		}
		if c.Leader.LeaseKey == "" {
			result = multierror.Append(result, fmt.Errorf("leader.leaseKey must be set when leader.mode is %s", RedisLeaderMode))
		}
		if c.Leader.RetryPeriod <= 0 || c.Leader.RetryPeriod >= c.Leader.LeaseDuration {
			result = multierror.Append(result, fmt.Errorf(
				"leader.retryPeriod (%s) must be positive and shorter than leader.leaseDuration (%s)",
				c.Leader.RetryPeriod, c.Leader.LeaseDuration))
		}
	}

	if c.Validity.Mode == HttpValidity && c.Validity.Url == "" {
		result = multierror.Append(result, fmt.Errorf("validity.url must be set when validity.mode is %s", HttpValidity))
	}

	ranges := c.Cooldown.Ranges()
	classifications := maps.Keys(ranges)
	slices.Sort(classifications)
	for _, class := range classifications {
		r := ranges[class]
		if r.Max <= 0 || r.Min < 0 || r.Max < r.Min {
			result = multierror.Append(result, fmt.Errorf("cooldown range for %s is invalid: %s", class, r))
		}
	}

	if c.Intake.ValidationMaxDelay > 0 && c.Intake.ValidationMaxDelay < c.Intake.ValidationInitialDelay {
		result = multierror.Append(result, fmt.Errorf(
			"intake.validationMaxDelay (%s) is less than intake.validationInitialDelay (%s)",
			c.Intake.ValidationMaxDelay, c.Intake.ValidationInitialDelay))
	}

	return result.ErrorOrNil()
}
