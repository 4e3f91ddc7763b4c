// Package validity contains clients of the collaborator that decides whether a target resource may be
// accepted into the pool.
package validity

import (
	"context"
)

// Reasons commonly reported by validity collaborators.
const (
	ReasonNotFound       = "not-found"
	ReasonNotEmbeddable  = "not-embeddable"
	ReasonPrivate        = "private"
	ReasonLiveDisallowed = "live-disallowed"
	ReasonAgeRestricted  = "age-restricted"
	// ReasonInvalid is used when the collaborator reports a resource invalid without saying why.
	ReasonInvalid = "invalid"
)

// Result is a definite answer from the collaborator.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	// GroupKey optionally groups resources sharing a rate limit domain, e.g. the channel of a video.
	GroupKey string `json:"groupKey,omitempty"`
}

// Checker asks the collaborator about a target reference. A returned error is a transient failure (network,
// timeout, collaborator unavailable) and the call may be retried; an invalid resource is reported via Result.
type Checker interface {
	Check(ctx context.Context, targetReference string) (Result, error)
}

// AcceptAllChecker reports every resource as valid. Used when no collaborator is configured.
type AcceptAllChecker struct{}

func (AcceptAllChecker) Check(_ context.Context, _ string) (Result, error) {
	return Result{Valid: true}, nil
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, targetReference string) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, targetReference string) (Result, error) {
	return f(ctx, targetReference)
}
