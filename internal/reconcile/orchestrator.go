package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/trigger"
)

// Runner executes one convergence run.
type Runner interface {
	Run(ctx context.Context, n trigger.Notification) (*Result, error)
}

// Orchestrator feeds notifications to a Runner one run at a time. Bursts
// collapse to the latest notification, and the last one is re-run
// periodically to undo drift.
type Orchestrator struct {
	runner Runner

	mu         sync.Mutex
	pending    *trigger.Notification // awaiting a run, latest wins
	last       *trigger.Notification // most recently run
	lastResult *Result
	lastErr    error
	trigger    chan struct{}
	running    atomic.Bool

	resyncInterval time.Duration
	debounce       time.Duration
}

// Snapshot is the orchestrator state reported by health endpoints.
type Snapshot struct {
	Running      bool       `json:"running"`
	Pending      bool       `json:"pending"`
	LastURL      string     `json:"last_url,omitempty"`
	LastRunID    string     `json:"last_run_id,omitempty"`
	LastStatus   Status     `json:"last_status,omitempty"`
	LastFinished *time.Time `json:"last_finished,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// NewOrchestrator creates an orchestrator. A zero resyncInterval disables
// periodic runs; a zero debounce runs as soon as a notification arrives.
func NewOrchestrator(runner Runner, resyncInterval, debounce time.Duration) *Orchestrator {
	return &Orchestrator{
		runner:         runner,
		trigger:        make(chan struct{}, 1),
		resyncInterval: resyncInterval,
		debounce:       debounce,
	}
}

// Submit queues n, replacing any notification not yet started.
func (o *Orchestrator) Submit(n trigger.Notification) {
	o.mu.Lock()
	if o.pending != nil {
		log.Debug().Str("replaced", o.pending.URL).Str("url", n.URL).Msg("Pending notification superseded")
	}
	o.pending = &n
	o.mu.Unlock()

	select {
	case o.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Run starts the loop and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Dur("resync_interval", o.resyncInterval).Dur("debounce", o.debounce).Msg("Orchestrator started")
	o.running.Store(true)
	defer o.running.Store(false)

	var tick <-chan time.Time
	if o.resyncInterval > 0 {
		ticker := time.NewTicker(o.resyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Orchestrator stopping")
			return nil
		case <-o.trigger:
			if o.debounce > 0 {
				select {
				case <-ctx.Done():
					log.Info().Msg("Orchestrator stopping")
					return nil
				case <-time.After(o.debounce):
				}
			}
			o.runPending(ctx)
		case <-tick:
			o.resync(ctx)
		}
	}
}

func (o *Orchestrator) runPending(ctx context.Context) {
	o.mu.Lock()
	n := o.pending
	o.pending = nil
	o.mu.Unlock()

	if n == nil {
		return
	}
	o.runOne(ctx, *n)
}

func (o *Orchestrator) resync(ctx context.Context) {
	o.mu.Lock()
	last := o.last
	o.mu.Unlock()

	if last == nil {
		log.Debug().Msg("Resync skipped, no notification received yet")
		return
	}
	log.Info().Str("url", last.URL).Msg("Periodic resync")
	o.runOne(ctx, *last)
}

func (o *Orchestrator) runOne(ctx context.Context, n trigger.Notification) {
	res, err := o.runner.Run(ctx, n)

	o.mu.Lock()
	o.last = &n
	o.lastResult = res
	o.lastErr = err
	o.mu.Unlock()
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{Running: o.running.Load(), Pending: o.pending != nil}
	if o.last != nil {
		s.LastURL = o.last.URL
	}
	if o.lastResult != nil {
		finished := o.lastResult.FinishedAt
		s.LastRunID = o.lastResult.RunID
		s.LastStatus = o.lastResult.Status()
		s.LastFinished = &finished
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}
