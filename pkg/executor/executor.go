package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xucaiyong/flocker/pkg/backend"
	"github.com/xucaiyong/flocker/pkg/diff"
	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/log"
	"github.com/xucaiyong/flocker/pkg/metrics"
	"github.com/xucaiyong/flocker/pkg/types"
)

// Peer sends a dataset snapshot to a remote agent and blocks until the
// destination acknowledges receipt.
type Peer interface {
	SendSnapshot(ctx context.Context, dataset types.Dataset, snapshot io.Reader) error
}

// PeerDialer resolves a node ID to a Peer.
type PeerDialer interface {
	Peer(ctx context.Context, nodeID string) (Peer, error)
}

// Backoff bounds the retry policy for retryable backend errors. The
// defaults give five attempts over roughly 3 seconds, enough to ride out
// device-busy and eventual-consistency blips without stalling the cycle.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultBackoff is the retry policy used unless overridden.
var DefaultBackoff = Backoff{
	MaxAttempts:  5,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     3 * time.Second,
}

// DefaultConcurrency is the worker-pool size for independent actions.
const DefaultConcurrency = 4

// OutcomeKind classifies the terminal status of one action in a cycle.
type OutcomeKind string

const (
	// OutcomeSucceeded: the action completed.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeFailed: fatal error or retries exhausted.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeSkipped: a required predecessor did not succeed.
	OutcomeSkipped OutcomeKind = "skipped"
	// OutcomePending: nothing to do yet; the action waits on a remote peer
	// (handoff receive) and will be re-planned next cycle.
	OutcomePending OutcomeKind = "pending"
)

// Outcome is the terminal status of one executed action.
type Outcome struct {
	Action diff.Action
	Kind   OutcomeKind
	Err    error
}

// Executor applies a plan's actions against the local storage driver and,
// for handoffs, against remote peers. Independent actions run concurrently
// on a bounded pool; Requires edges are enforced with per-action completion
// channels, so dependent actions observe a strict happens-before
// relationship without any locking.
type Executor struct {
	driver      backend.Driver
	dialer      PeerDialer
	backoff     Backoff
	concurrency int
	logger      zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackoff overrides the retry policy.
func WithBackoff(b Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithConcurrency overrides the worker-pool size.
func WithConcurrency(n int) Option {
	return func(e *Executor) { e.concurrency = n }
}

// New creates an executor for the given driver and peer dialer.
func New(driver backend.Driver, dialer PeerDialer, opts ...Option) *Executor {
	e := &Executor{
		driver:      driver,
		dialer:      dialer,
		backoff:     DefaultBackoff,
		concurrency: DefaultConcurrency,
		logger:      log.WithComponent("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// completion signals an action's terminal status to its dependents.
type completion struct {
	done      chan struct{}
	succeeded bool
}

// Run executes every action in the plan and returns their outcomes in plan
// order. A failed action never blocks independent actions: only actions
// that declared it in Requires are skipped.
func (e *Executor) Run(ctx context.Context, plan diff.Plan) []Outcome {
	completions := make(map[string]*completion, len(plan.Actions))
	for _, action := range plan.Actions {
		completions[action.ID] = &completion{done: make(chan struct{})}
	}

	outcomes := make([]Outcome, len(plan.Actions))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	// Plan order lists prerequisites before their dependents, so with a
	// full pool a dependent can only be scheduled after its prerequisite
	// already holds a slot (or finished). No slot deadlock is possible.
	for i, action := range plan.Actions {
		i, action := i, action
		g.Go(func() error {
			outcome := e.runAction(ctx, action, completions)

			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()

			comp := completions[action.ID]
			comp.succeeded = outcome.Kind == OutcomeSucceeded
			close(comp.done)

			metrics.ActionsTotal.WithLabelValues(string(action.Kind), string(outcome.Kind)).Inc()
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (e *Executor) runAction(ctx context.Context, action diff.Action, completions map[string]*completion) Outcome {
	logger := e.logger.With().
		Str("action", action.ID).
		Str("dataset_id", action.Dataset.ID).
		Logger()

	// Wait for declared preconditions. The diff engine guarantees they are
	// earlier plan entries.
	for _, req := range action.Requires {
		comp, ok := completions[req]
		if !ok {
			return Outcome{Action: action, Kind: OutcomeSkipped,
				Err: fmt.Errorf("unknown precondition %s", req)}
		}
		select {
		case <-comp.done:
			if !comp.succeeded {
				logger.Info().Str("precondition", req).Msg("skipping action, precondition did not succeed")
				return Outcome{Action: action, Kind: OutcomeSkipped,
					Err: fmt.Errorf("precondition %s did not succeed", req)}
			}
		case <-ctx.Done():
			return Outcome{Action: action, Kind: OutcomeSkipped, Err: ctx.Err()}
		}
	}

	timer := metrics.NewTimer()
	outcome := e.execute(ctx, action, logger)
	timer.ObserveDuration(metrics.ActionDuration.WithLabelValues(string(action.Kind)))

	switch outcome.Kind {
	case OutcomeSucceeded:
		logger.Info().Msg("action succeeded")
	case OutcomePending:
		logger.Debug().Msg("action pending on remote peer")
	default:
		logger.Warn().Err(outcome.Err).Str("outcome", string(outcome.Kind)).Msg("action did not succeed")
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, action diff.Action, logger zerolog.Logger) Outcome {
	switch action.Kind {
	case diff.KindCreate:
		err := e.withRetry(ctx, logger, func() error {
			_, err := e.driver.Create(ctx, action.Dataset)
			return err
		})
		return e.outcome(action, err)

	case diff.KindDelete:
		err := e.withRetry(ctx, logger, func() error {
			return e.driver.Destroy(ctx, action.Dataset.ID)
		})
		return e.outcome(action, err)

	case diff.KindResize:
		err := e.withRetry(ctx, logger, func() error {
			return e.driver.Resize(ctx, action.Dataset.ID, action.Dataset.MaximumSize)
		})
		return e.outcome(action, err)

	case diff.KindHandoffSend:
		err := e.handoffSend(ctx, action, logger)
		if err == nil {
			metrics.HandoffsTotal.WithLabelValues("sent").Inc()
		} else if errdefs.IsHandoffTimeout(err) {
			metrics.HandoffsTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.HandoffsTotal.WithLabelValues("failed").Inc()
		}
		return e.outcome(action, err)

	case diff.KindHandoffReceive:
		// The push is driven by the source node; locally there is nothing
		// to execute. Report whether the snapshot has landed yet.
		manifestations, err := e.driver.Enumerate(ctx)
		if err != nil {
			return e.outcome(action, err)
		}
		for _, m := range manifestations {
			if m.Dataset.ID == action.Dataset.ID {
				return Outcome{Action: action, Kind: OutcomeSucceeded}
			}
		}
		return Outcome{Action: action, Kind: OutcomePending}

	default:
		return Outcome{Action: action, Kind: OutcomeFailed,
			Err: fmt.Errorf("unknown action kind %s", action.Kind)}
	}
}

// handoffSend pushes the dataset's snapshot to the destination and waits
// for its acknowledgement. The caller's dependent delete only runs if this
// returns nil.
func (e *Executor) handoffSend(ctx context.Context, action diff.Action, logger zerolog.Logger) error {
	peer, err := e.dialer.Peer(ctx, action.Peer)
	if err != nil {
		return err
	}

	return e.withRetry(ctx, logger, func() error {
		snapshot, err := e.driver.Snapshot(ctx, action.Dataset.ID)
		if err != nil {
			return err
		}
		defer snapshot.Close()

		logger.Info().Str("peer", action.Peer).Msg("pushing dataset snapshot")
		return peer.SendSnapshot(ctx, action.Dataset, snapshot)
	})
}

// withRetry runs op, retrying retryable backend errors with bounded
// exponential backoff. Fatal errors and handoff timeouts return
// immediately.
func (e *Executor) withRetry(ctx context.Context, logger zerolog.Logger, op func() error) error {
	delay := e.backoff.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !errdefs.IsRetryable(err) || attempt >= e.backoff.MaxAttempts {
			return err
		}

		metrics.ActionRetriesTotal.Inc()
		logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying backend operation")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
		if delay > e.backoff.MaxDelay {
			delay = e.backoff.MaxDelay
		}
	}
}

func (e *Executor) outcome(action diff.Action, err error) Outcome {
	if err != nil {
		return Outcome{Action: action, Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Action: action, Kind: OutcomeSucceeded}
}
