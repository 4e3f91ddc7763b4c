package leader

import (
	"context"

	"github.com/google/uuid"

	"github.com/ssufhbfndk/yt-view-backend/internal/common/task"
)

// LeaderController is an interface to be implemented by structs that control which viewpool instance is leader.
// Only the leader runs background work: pending intake, cooldown promotion and retention sweeps.
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader and false otherwise
	ValidateToken(tok LeaderToken) bool
	// Run starts the controller. This is a blocking call which will return when the provided context is cancelled
	Run(ctx context.Context) error
	// GetLeaderReport returns a report about the current leader
	GetLeaderReport() LeaderReport
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// LeaderToken is a token handed out to instances which they can use to determine if they are leader
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

// StandaloneLeaderController returns a token that always indicates you are leader
// This can be used when only a single instance of viewpool is run
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{
		token: NewLeaderToken(),
	}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{
		LeaderName:             "standalone",
		IsCurrentProcessLeader: true,
	}
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.id == tok.id
	}
	return false
}

func (lc *StandaloneLeaderController) Run(ctx context.Context) error {
	return nil
}

// LeaseListener allows clients to listen for lease events.
type LeaseListener interface {
	// Called when the client has started leading.
	onStartedLeading(context.Context)
	// Called when the client has stopped leading,
	onStoppedLeading()
}

// RunIfLeader wraps fn so that it does nothing unless this instance currently holds leadership.
func RunIfLeader(lc LeaderController, fn task.Func) task.Func {
	return func(ctx context.Context) error {
		if !lc.ValidateToken(lc.GetToken()) {
			return nil
		}
		return fn(ctx)
	}
}
