package model

import "time"

// Submission is one item of an intake batch.
type Submission struct {
	JobId           string        `yaml:"jobId"`
	TargetReference string        `yaml:"targetReference"`
	RequestedCount  int64         `yaml:"requestedCount"`
	DurationHint    time.Duration `yaml:"durationHint"`
}

type IntakeStatus string

const (
	Accepted    IntakeStatus = "accepted"
	RejectedJob IntakeStatus = "rejected"
)

// Reasons a submission can be rejected by intake itself. The validity collaborator supplies its own reasons.
const (
	ReasonDuplicate          = "duplicate"
	ReasonMalformedReference = "malformed-reference"
	ReasonInvalidRequest     = "invalid-request"
)

// IntakeOutcome is the per item result of an intake batch. State is the state the job was left in; it is empty
// when a duplicate job id referred to a job that already existed.
type IntakeOutcome struct {
	JobId  string
	Status IntakeStatus
	Reason string
	State  State
}

func (o IntakeOutcome) String() string {
	if o.Status == RejectedJob {
		return string(o.Status) + ":" + o.Reason
	}
	return string(o.Status)
}
