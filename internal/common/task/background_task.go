package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
)

// Func is a unit of background work. A returned error is logged; the task keeps its schedule.
type Func func(ctx context.Context) error

type task struct {
	function    Func
	interval    time.Duration
	metricName  string
	stopChannel chan bool
	latency     prometheus.Histogram
	failures    prometheus.Counter
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	wg            *sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return NewBackgroundTaskManagerWithRegisterer(metricsPrefix, prometheus.DefaultRegisterer)
}

func NewBackgroundTaskManagerWithRegisterer(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		wg:            &sync.WaitGroup{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register starts backgroundTask immediately and then every interval until StopAll is called.
// Runs of a single task never overlap.
func (m *BackgroundTaskManager) Register(backgroundTask Func, interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool, 1),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    m.metricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: m.metricsPrefix + metricName + "_failures_total",
			Help: "Number of failed runs of background loop " + metricName,
		}),
	}
	if m.registerer != nil {
		m.registerer.MustRegister(task.latency, task.failures)
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for in-flight runs to finish.
// Returns true if the timeout was hit.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOnce(task)
		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
			m.runOnce(task)
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(task *task) {
	start := time.Now()
	err := task.function(m.ctx)
	task.latency.Observe(time.Since(start).Seconds())
	if err != nil && m.ctx.Err() == nil {
		task.failures.Inc()
		logging.WithStacktrace(log.WithField("task", task.metricName), err).Warn("background task failed")
	}
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
	m.cancel()
}
