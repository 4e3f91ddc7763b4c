package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/logging"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
)

// Extends the lease only if it is still held by the caller.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaderController elects a leader among viewpool instances sharing a redis server. The leader holds a
// redis key with an expiry and keeps extending it; if the leader dies the key expires and another instance takes
// over.
type RedisLeaderController struct {
	client            redis.UniversalClient
	config            configuration.LeaderConfig
	identity          string
	token             atomic.Value
	currentLeaderLock sync.Mutex
	currentLeader     string
	listeners         []LeaseListener
}

func NewRedisLeaderController(config configuration.LeaderConfig, client redis.UniversalClient) *RedisLeaderController {
	controller := &RedisLeaderController{
		client:            client,
		config:            config,
		identity:          config.InstanceName + "-" + uuid.NewString(),
		currentLeaderLock: sync.Mutex{},
	}
	controller.token.Store(InvalidLeaderToken())
	return controller
}

func (lc *RedisLeaderController) RegisterListener(listener LeaseListener) {
	lc.listeners = append(lc.listeners, listener)
}

func (lc *RedisLeaderController) GetToken() LeaderToken {
	return lc.token.Load().(LeaderToken)
}

func (lc *RedisLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

// Run starts the controller.
// This is a blocking call that returns when the provided context is cancelled.
func (lc *RedisLeaderController) Run(ctx context.Context) error {
	log := logging.NewComponentLogger("leader").WithField("identity", lc.identity)
	log.Infof("attempting to become leader")

	ticker := time.NewTicker(lc.config.RetryPeriod)
	defer ticker.Stop()
	for {
		if err := lc.step(ctx); err != nil {
			logging.WithStacktrace(log, err).Warn("leader election round failed")
		}
		select {
		case <-ctx.Done():
			lc.release()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step acquires the lease if it is free, or renews it if this instance holds it.
func (lc *RedisLeaderController) step(ctx context.Context) error {
	log := logging.NewComponentLogger("leader").WithField("identity", lc.identity)
	leading := lc.GetToken().leader

	if leading {
		renewed, err := renewScript.Run(lc.client, []string{lc.config.LeaseKey}, lc.identity, lc.config.LeaseDuration.Milliseconds()).Result()
		if err != nil || renewed != int64(1) {
			log.Infof("I am no longer leader")
			lc.stopLeading()
			lc.setCurrentLeader("")
			if err != nil {
				return errors.WithStack(err)
			}
			return nil
		}
		lc.setCurrentLeader(lc.identity)
		return nil
	}

	acquired, err := lc.client.SetNX(lc.config.LeaseKey, lc.identity, lc.config.LeaseDuration).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if acquired {
		log.Infof("I am now leader")
		lc.setCurrentLeader(lc.identity)
		lc.token.Store(NewLeaderToken())
		for _, listener := range lc.listeners {
			listener.onStartedLeading(ctx)
		}
		return nil
	}

	holder, err := lc.client.Get(lc.config.LeaseKey).Result()
	if err == redis.Nil {
		holder = ""
	} else if err != nil {
		return errors.WithStack(err)
	}
	lc.setCurrentLeader(holder)
	return nil
}

func (lc *RedisLeaderController) stopLeading() {
	lc.token.Store(InvalidLeaderToken())
	for _, listener := range lc.listeners {
		listener.onStoppedLeading()
	}
}

// release gives up the lease so that another instance can take over without waiting for it to expire.
func (lc *RedisLeaderController) release() {
	if !lc.GetToken().leader {
		return
	}
	lc.stopLeading()
	if err := releaseScript.Run(lc.client, []string{lc.config.LeaseKey}, lc.identity).Err(); err != nil {
		logging.WithStacktrace(logging.NewComponentLogger("leader"), err).Warn("failed to release leader lease")
	}
	lc.setCurrentLeader("")
}

func (lc *RedisLeaderController) setCurrentLeader(identity string) {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	lc.currentLeader = identity
}

func (lc *RedisLeaderController) GetLeaderReport() LeaderReport {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             lc.currentLeader,
		IsCurrentProcessLeader: lc.currentLeader == lc.identity,
	}
}

// HealthCheck reports whether redis can be reached.
func (lc *RedisLeaderController) HealthCheck() error {
	return errors.Wrap(lc.client.Ping().Err(), "redis health check failed")
}
