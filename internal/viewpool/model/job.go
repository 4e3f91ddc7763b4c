package model

import (
	"fmt"
	"strings"
	"time"
)

// Classification decides the cooldown policy applied to a job.
type Classification string

const (
	ShortForm Classification = "shortform"
	LongForm  Classification = "longform"
	Live      Classification = "live"
)

var AllClassifications = []Classification{ShortForm, LongForm, Live}

func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ShortForm, LongForm, Live:
		return c, nil
	}
	return "", fmt.Errorf("unknown classification %q", s)
}

// State is the lifecycle state of a job. Available and Cooldown may alternate; every other transition is one
// way, and Completed and Rejected are terminal.
type State string

const (
	Pending   State = "pending"
	Available State = "available"
	Cooldown  State = "cooldown"
	Completed State = "completed"
	Rejected  State = "rejected"
)

var AllStates = []State{Pending, Available, Cooldown, Completed, Rejected}

func (s State) IsTerminal() bool {
	return s == Completed || s == Rejected
}

type Job struct {
	JobId           string
	TargetReference string
	// TargetKey is the canonical identity of the target resource, used to detect the same resource submitted
	// under differently formatted references. Empty for jobs rejected before the reference was parsed.
	TargetKey      string
	GroupKey       string
	RequestedCount int64
	Remaining      int64
	Classification Classification
	State          State
	RejectReason   string
	DurationHint   time.Duration
	CooldownUntil  *time.Time
	Created        time.Time
	LastModified   time.Time
}

// Snapshot returns the consumer facing view of the job.
func (j Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		JobId:           j.JobId,
		TargetReference: j.TargetReference,
		Classification:  j.Classification,
		RequestedCount:  j.RequestedCount,
	}
}

// JobSnapshot is what a consumer receives from a successful allocation.
type JobSnapshot struct {
	JobId           string         `json:"jobId"`
	TargetReference string         `json:"targetReference"`
	Classification  Classification `json:"classification"`
	RequestedCount  int64          `json:"requestedCount"`
}
