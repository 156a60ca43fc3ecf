package reconcile

import (
	"errors"
	"time"
)

// Status summarizes how a run ended.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// Result describes one run.
type Result struct {
	RunID      string    `json:"run_id"`
	URL        string    `json:"url"`
	Checksum   string    `json:"checksum"`
	SyncToken  string    `json:"sync_token,omitempty"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Desired   int `json:"desired"`
	Resources int `json:"resources"`

	// Planned holds the plans a dry run would have applied.
	PlannedRevocations RevocationPlan `json:"planned_revocations,omitempty"`
	PlannedAdditions   AdditionPlan   `json:"planned_additions,omitempty"`

	Revocations []Outcome `json:"revocations,omitempty"`
	Additions   []Outcome `json:"additions,omitempty"`

	Drift *Drift `json:"drift,omitempty"`

	// Fatal is set when the run stopped early.
	Fatal error `json:"-"`
}

// Calls counts the mutating calls issued.
func (r *Result) Calls() int {
	return len(r.Revocations) + len(r.Additions)
}

// MutationErrors returns the failed calls in issue order.
func (r *Result) MutationErrors() []error {
	var errs []error
	for _, o := range r.Revocations {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	for _, o := range r.Additions {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Err joins the fatal error, if any, with every mutation error.
func (r *Result) Err() error {
	errs := r.MutationErrors()
	if r.Fatal != nil {
		errs = append([]error{r.Fatal}, errs...)
	}
	return errors.Join(errs...)
}

// Status reports the outcome class of the run.
func (r *Result) Status() Status {
	failed := len(r.MutationErrors())
	switch {
	case r.Fatal == nil && failed == 0:
		return StatusSuccess
	case failed == r.Calls():
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Authorized counts CIDRs successfully added.
func (r *Result) Authorized() int {
	return succeeded(r.Additions)
}

// Revoked counts CIDR entries successfully revoked.
func (r *Result) Revoked() int {
	return succeeded(r.Revocations)
}

func succeeded(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil {
			n += o.CIDRs
		}
	}
	return n
}
