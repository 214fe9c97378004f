package deploy

import (
	"time"

	"github.com/wearable-pin/pindeploy/internal/vcs"
)

// OutcomeKind tags the result of one update cycle.
type OutcomeKind int

const (
	NoChange OutcomeKind = iota
	Updated
	FetchFailed
	PullFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case Updated:
		return "updated"
	case FetchFailed:
		return "fetch_failed"
	case PullFailed:
		return "pull_failed"
	default:
		return "unknown"
	}
}

// Failed reports whether the kind is a failure.
func (k OutcomeKind) Failed() bool {
	return k == FetchFailed || k == PullFailed
}

// Outcome is the tagged result of one update cycle. From and To are the
// revisions before and after; for NoChange they are equal, for failures To
// is the revision the cycle tried to reach, if known.
type Outcome struct {
	Kind OutcomeKind
	From vcs.Revision
	To   vcs.Revision
	Err  error

	// Current is the working copy revision when the cycle finished.
	Current vcs.Revision

	CycleID  string
	Trigger  string
	Started  time.Time
	Duration time.Duration

	// Service is the reconciliation that followed the update. Its Action
	// is ActionNone unless Kind is Updated.
	Service ReconcileResult
}
