package cooldown

import (
	"math/rand"
	"time"

	commonconfig "github.com/ssufhbfndk/yt-view-backend/internal/common/config"
	"github.com/ssufhbfndk/yt-view-backend/internal/common/util"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

// Policy decides how long a job stays in Cooldown after a fulfillment unit has been consumed. The duration is
// drawn uniformly from a range that depends on the classification of the job.
type Policy struct {
	ranges map[model.Classification]commonconfig.DurationRange
	random *rand.Rand
}

func NewPolicy(ranges map[model.Classification]commonconfig.DurationRange) *Policy {
	return NewPolicyWithRand(ranges, util.NewThreadsafeRand(time.Now().UnixNano()))
}

// NewPolicyWithRand creates a Policy drawing from random, which must be safe for concurrent use.
func NewPolicyWithRand(ranges map[model.Classification]commonconfig.DurationRange, random *rand.Rand) *Policy {
	copied := make(map[model.Classification]commonconfig.DurationRange, len(ranges))
	for class, r := range ranges {
		copied[class] = r
	}
	return &Policy{ranges: copied, random: random}
}

// Range returns the cooldown range for class. Classifications without a range of their own use the LongForm range.
func (p *Policy) Range(class model.Classification) commonconfig.DurationRange {
	if r, ok := p.ranges[class]; ok {
		return r
	}
	return p.ranges[model.LongForm]
}

// ResumeAt returns the time at which a job of the given classification entering Cooldown at now becomes eligible
// again.
func (p *Policy) ResumeAt(class model.Classification, now time.Time) time.Time {
	r := p.Range(class)
	return now.Add(util.UniformDuration(p.random, r.Min, r.Max))
}
