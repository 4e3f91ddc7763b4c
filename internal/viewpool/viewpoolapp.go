package viewpool

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/common"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/app"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/health"
	commonmetrics "github.com/ssufhbfndk/yt-view-backend/internal/common/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/task"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/allocator"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/cooldown"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/database"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/intake"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/leader"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/metrics"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/retention"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/validity"
)

const (
	jobStateCollectorTimeout  = 5 * time.Second
	backgroundTaskStopTimeout = 10 * time.Second
)

// Components are the parts of viewpool that operate on a shared repository.
type Components struct {
	Allocator *allocator.Allocator
	Validator *intake.Validator
	Scheduler *cooldown.Scheduler
	Sweeper   *retention.Sweeper
	Metrics   *metrics.Metrics
}

// NewComponents wires the allocator, intake validator, cooldown scheduler and retention sweeper to repo.
func NewComponents(config configuration.Configuration, repo database.JobRepository, clock clock.Clock) *Components {
	m := metrics.New()
	return &Components{
		Allocator: allocator.New(repo, cooldown.NewPolicy(config.Cooldown.Ranges()), clock, config.Allocation, m),
		Validator: intake.NewValidator(repo, NewValidityChecker(config.Validity), clock, config.Intake, m),
		Scheduler: cooldown.NewScheduler(repo, clock, config.Cooldown.BatchSize, m),
		Sweeper: retention.NewSweeper(
			repo, clock, config.Retention.HistoryRetention, config.Allocation.RateWindow, config.Retention.BatchSize, m),
		Metrics: m,
	}
}

// NewValidityChecker returns the configured validity collaborator client.
func NewValidityChecker(config configuration.ValidityConfig) validity.Checker {
	var checker validity.Checker = validity.AcceptAllChecker{}
	if config.Mode == configuration.HttpValidity {
		checker = validity.NewHttpChecker(config.Url, config.Timeout)
	}
	if config.CacheExpiry > 0 {
		checker = validity.NewCachingChecker(checker, config.CacheExpiry)
	}
	return checker
}

// Run sets up a viewpool instance and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Database
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s job repository", config.DatabaseType)
	repo, closeRepo, err := OpenRepository(ctx, config, true)
	if err != nil {
		return err
	}
	defer closeRepo()
	healthChecks.Add(health.CheckerFunc(func() error {
		checkCtx, cancel := context.WithTimeout(ctx, jobStateCollectorTimeout)
		defer cancel()
		return repo.HealthCheck(checkCtx)
	}))

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	leaderController, closeLeaderController, err := createLeaderController(config, healthChecks)
	if err != nil {
		return err
	}
	defer closeLeaderController()
	services = append(services, func() error {
		if err := leaderController.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	//////////////////////////////////////////////////////////////////////////
	// Pool components
	//////////////////////////////////////////////////////////////////////////
	components := NewComponents(config, repo, clock.RealClock{})
	prometheus.MustRegister(components.Metrics)
	prometheus.MustRegister(metrics.NewJobStateCollector(repo, jobStateCollectorTimeout))

	taskManager := task.NewBackgroundTaskManager(commonmetrics.MetricPrefix)
	taskManager.Register(
		leader.RunIfLeader(leaderController, components.Validator.ProcessPending),
		config.Intake.PendingInterval,
		"pending_intake")
	taskManager.Register(
		leader.RunIfLeader(leaderController, components.Scheduler.Cycle),
		config.Cooldown.SchedulerInterval,
		"cooldown_scheduler")
	taskManager.Register(
		leader.RunIfLeader(leaderController, components.Sweeper.Cycle),
		config.Retention.SweepInterval,
		"retention_sweeper")
	services = append(services, func() error {
		stopTasksOnShutdown(ctx, taskManager, backgroundTaskStopTimeout)
		return nil
	})

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

// stopTasksOnShutdown blocks until ctx is done and then stops the background tasks. Returns true if they were
// still running after timeout.
func stopTasksOnShutdown(ctx context.Context, taskManager *task.BackgroundTaskManager, timeout time.Duration) bool {
	<-ctx.Done()
	timedOut := taskManager.StopAll(timeout)
	if timedOut {
		log.Warnf("Background tasks did not stop within %s", timeout)
	}
	return timedOut
}

func createLeaderController(config configuration.Configuration, healthChecks *health.MultiChecker) (leader.LeaderController, func(), error) {
	switch config.Leader.Mode {
	case configuration.StandaloneLeaderMode:
		log.Infof("viewpool will run in standalone mode")
		return leader.NewStandaloneLeaderController(), func() {}, nil
	case configuration.RedisLeaderMode:
		log.Infof("viewpool will run with redis leader election")
		instanceName := config.Leader.InstanceName
		if instanceName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, nil, errors.WithStack(err)
			}
			instanceName = hostname
		}
		config.Leader.InstanceName = instanceName

		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		controller := leader.NewRedisLeaderController(config.Leader, redisClient)
		leaderMetrics := leader.NewLeaderStatusMetricsCollector(instanceName)
		controller.RegisterListener(leaderMetrics)
		prometheus.MustRegister(leaderMetrics)
		healthChecks.Add(health.CheckerFunc(controller.HealthCheck))
		closeRedis := func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		}
		return controller, closeRedis, nil
	default:
		return nil, nil, errors.Errorf("%s is not a valid leader mode", config.Leader.Mode)
	}
}
