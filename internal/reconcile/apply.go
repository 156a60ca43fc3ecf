package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/edgesync/internal/firewall"
)

// task is one mutating provider call.
type task struct {
	resourceID string
	op         Op
	fragments  []firewall.Fragment
}

func (t task) cidrs() int {
	n := 0
	for _, f := range t.fragments {
		n += len(f.CIDRs)
	}
	return n
}

// Outcome records the result of one mutating call.
type Outcome struct {
	ResourceID string        `json:"resource_id"`
	Op         Op            `json:"op"`
	CIDRs      int           `json:"cidrs"`
	Duration   time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// MarshalJSON reports the duration in milliseconds and the error as text.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type outcome Outcome
	var errText string
	if o.Err != nil {
		errText = o.Err.Error()
	}
	return json.Marshal(struct {
		outcome
		DurationMS int64  `json:"duration_ms"`
		Error      string `json:"error,omitempty"`
	}{outcome(o), o.Duration.Milliseconds(), errText})
}

// applier dispatches tasks on a bounded pool. Outcomes are written into a
// slice indexed by task position, so no two workers share a slot.
type applier struct {
	provider    firewall.Provider
	limiter     *rate.Limiter
	workers     int
	callTimeout time.Duration
}

func newApplier(provider firewall.Provider, workers int, rps float64, callTimeout time.Duration) *applier {
	if workers <= 0 {
		workers = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return &applier{provider: provider, limiter: limiter, workers: workers, callTimeout: callTimeout}
}

// run executes every task and waits for all of them to settle.
func (a *applier) run(ctx context.Context, logger zerolog.Logger, tasks []task) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, t := range tasks {
		g.Go(func() error {
			outcomes[i] = a.do(ctx, t)
			o := outcomes[i]
			if o.Err != nil {
				logger.Error().Err(o.Err).Str("resource", t.resourceID).Str("op", string(t.op)).Int("cidrs", o.CIDRs).Msg("Mutation failed")
			} else {
				logger.Info().Str("resource", t.resourceID).Str("op", string(t.op)).Int("cidrs", o.CIDRs).Dur("duration", o.Duration).Msg("Mutation applied")
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (a *applier) do(ctx context.Context, t task) Outcome {
	start := time.Now()
	out := Outcome{ResourceID: t.resourceID, Op: t.op, CIDRs: t.cidrs()}
	if err := a.call(ctx, t); err != nil {
		out.Err = &MutationError{ResourceID: t.resourceID, Op: t.op, Err: err}
	}
	out.Duration = time.Since(start)
	return out
}

func (a *applier) call(ctx context.Context, t task) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	switch t.op {
	case OpRevoke:
		return a.provider.Revoke(ctx, t.resourceID, t.fragments)
	case OpAuthorize:
		return a.provider.Authorize(ctx, t.resourceID, t.fragments[0])
	default:
		return fmt.Errorf("unknown op %q", t.op)
	}
}

func revokeTasks(plan RevocationPlan) []task {
	var tasks []task
	for _, r := range plan {
		if r.Empty() {
			continue
		}
		tasks = append(tasks, task{resourceID: r.ResourceID, op: OpRevoke, fragments: r.Fragments})
	}
	return tasks
}

func authorizeTasks(plan AdditionPlan) []task {
	tasks := make([]task, 0, len(plan))
	for _, a := range plan {
		tasks = append(tasks, task{resourceID: a.ResourceID, op: OpAuthorize, fragments: []firewall.Fragment{a.Fragment}})
	}
	return tasks
}
