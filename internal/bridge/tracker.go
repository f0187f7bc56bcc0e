package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/metrics"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/rs/zerolog"
)

// Recorder persists execution states.
type Recorder interface {
	SaveExecution(ctx context.Context, state model.BridgeExecutionState) error
}

// Update is one event of a tracked execution. Err is set when tracking ended
// without reaching a terminal state.
type Update struct {
	State model.BridgeExecutionState
	Err   error
}

type TrackerOptions struct {
	PollBase    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Backoff     poller.Backoff
	Env         poller.Environment
}

type Tracker struct {
	client  *Client
	store   Recorder
	opts    TrackerOptions
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewTracker(client *Client, store Recorder, opts TrackerOptions, m *metrics.Metrics, logger zerolog.Logger) *Tracker {
	if opts.PollBase <= 0 {
		opts.PollBase = 5 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Backoff.Steps <= 0 {
		opts.Backoff = poller.DefaultBackoff()
	}
	return &Tracker{client: client, store: store, opts: opts, metrics: m, logger: logger, now: time.Now}
}

// Submit executes a quote and records the initial state.
func (t *Tracker) Submit(ctx context.Context, quoteID string, requests []model.BridgeRequest) (model.BridgeExecutionState, error) {
	if quoteID == "" {
		return model.BridgeExecutionState{}, clierr.New(clierr.CodeUsage, "quote id is required")
	}
	obs, err := t.client.Execute(ctx, quoteID)
	if err != nil {
		return model.BridgeExecutionState{}, err
	}
	state := NewState(quoteID, requests, t.now())
	next, err := Apply(state, obs, t.now())
	if err != nil {
		return model.BridgeExecutionState{}, clierr.Wrap(clierr.CodeUnavailable, "execute response rejected", err)
	}
	if err := t.record(ctx, next); err != nil {
		return model.BridgeExecutionState{}, err
	}
	return next, nil
}

// SubmitAndTrack submits a quote and streams its states until terminal.
func (t *Tracker) SubmitAndTrack(ctx context.Context, quoteID string, requests []model.BridgeRequest) (<-chan Update, error) {
	state, err := t.Submit(ctx, quoteID, requests)
	if err != nil {
		return nil, err
	}
	return t.Track(ctx, state), nil
}

// Poll fetches one status report and applies it. Integrity violations are
// logged and leave the state unchanged.
func (t *Tracker) Poll(ctx context.Context, current model.BridgeExecutionState) (model.BridgeExecutionState, error) {
	obs, err := t.client.Status(ctx, current.ID)
	if err != nil {
		return current, err
	}
	next, err := Apply(current, obs, t.now())
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			t.metrics.IntegrityViolation()
			t.logger.Warn().Err(err).Str("quote_id", current.ID).Msg("rejected bridge status update")
			return current, nil
		}
		return current, err
	}
	if changed(current, next) {
		if err := t.record(ctx, next); err != nil {
			return next, err
		}
	}
	return next, nil
}

// Track polls an execution on the adaptive poller and emits every accepted
// change. The first update carries the starting state. The channel closes on
// a terminal state, on timeout, after MaxFailures consecutive poll failures or
// when ctx is cancelled.
func (t *Tracker) Track(ctx context.Context, state model.BridgeExecutionState) <-chan Update {
	out := make(chan Update, 8)
	go func() {
		defer close(out)
		emit := func(u Update) {
			select {
			case out <- u:
			case <-ctx.Done():
			}
		}
		emit(Update{State: state})
		if state.Terminal() {
			return
		}

		runCtx := ctx
		cancel := func() {}
		if t.opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		}
		defer cancel()

		p := poller.New(t.opts.PollBase, t.opts.Env, t.opts.Backoff)
		p.Observe(func(wait time.Duration, err error) {
			t.metrics.ObservePoll("bridge_status", err, wait)
		})

		current := state
		failures := 0
		var finalErr error
		runErr := p.Run(runCtx, func(pctx context.Context) error {
			next, err := t.Poll(pctx, current)
			if err != nil {
				if pctx.Err() != nil {
					return err
				}
				failures++
				if failures >= t.opts.MaxFailures {
					finalErr = err
					return poller.ErrStop
				}
				t.logger.Warn().Err(err).Str("quote_id", current.ID).Int("failures", failures).Msg("bridge status poll failed")
				return err
			}
			failures = 0
			if changed(current, next) {
				current = next
				t.logger.Debug().Str("quote_id", current.ID).Str("status", string(current.Status)).Msg("bridge status changed")
				emit(Update{State: current})
			}
			if current.Terminal() {
				return poller.ErrStop
			}
			return nil
		})

		switch {
		case finalErr != nil:
			emit(Update{State: current, Err: finalErr})
		case runErr != nil && ctx.Err() == nil && errors.Is(runErr, context.DeadlineExceeded):
			emit(Update{State: current, Err: clierr.New(clierr.CodeTimeout, fmt.Sprintf("bridge %s not terminal after %s", current.ID, t.opts.Timeout))})
		}
	}()
	return out
}

func (t *Tracker) record(ctx context.Context, state model.BridgeExecutionState) error {
	t.metrics.BridgeState(string(state.Status))
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveExecution(ctx, state); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist bridge execution", err)
	}
	return nil
}
