package app

import (
	"context"
	"strings"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/bridge"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/funding"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/spf13/cobra"
)

// executionView is the final envelope of bridge execute and bridge track.
type executionView struct {
	QuoteID      string                      `json:"quote_id"`
	Outcome      model.QuoteOutcome          `json:"outcome,omitempty"`
	State        *model.BridgeExecutionState `json:"state,omitempty"`
	Safes        []model.SafeOutcome         `json:"safes,omitempty"`
	Unbridgeable []model.RefillShortfall     `json:"unbridgeable,omitempty"`
}

// eventView is one streamed line of --stream output.
type eventView struct {
	Event     string                `json:"event"`
	QuoteID   string                `json:"quote_id"`
	Status    model.ExecutionStatus `json:"status"`
	Legs      []model.LegState      `json:"legs"`
	Safes     []model.SafeOutcome   `json:"safes,omitempty"`
	Error     string                `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (s *runtimeState) newBridgeCommand() *cobra.Command {
	root := &cobra.Command{Use: "bridge", Short: "Quote, execute and track refill bridges"}

	var quoteForce bool
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote bridging the current shortfalls from the source chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			plan, err := v.funding.QuoteShortfalls(ctx, quoteForce)
			s.call("bridge_refill_requirements", start, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), plan, s.lastWarnings, cacheMetaBypass())
		},
	}
	quoteCmd.Flags().BoolVar(&quoteForce, "force", false, "Bypass the cached quote and the no-route cooldown")

	var execForce, execYes, execStream bool
	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Quote the current shortfalls, execute the bridge and wait for a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !execYes {
				return clierr.New(clierr.CodeUsage, "bridge execute requires --yes")
			}
			quoteCtx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(quoteCtx, serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			plan, err := v.funding.QuoteShortfalls(quoteCtx, execForce)
			s.call("bridge_refill_requirements", start, err)
			if err != nil {
				return err
			}

			start = time.Now()
			sub, err := v.funding.Submit(cmd.Context(), plan.Quote, plan.Requests)
			if plan.Quote.Outcome != model.QuoteOutcomeSatisfied && len(plan.Quote.Legs) > 0 {
				s.call("bridge_execute", start, err)
			}
			if err != nil {
				return err
			}
			view := executionView{QuoteID: sub.Quote.QuoteID, Outcome: sub.Quote.Outcome, Unbridgeable: plan.Unbridgeable}
			if sub.Events == nil {
				s.logger.Info().Msg("shortfalls already covered; nothing to bridge")
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, s.lastWarnings, cacheMetaBypass())
			}
			return s.finishExecution(cmd, view, sub.Events, execStream)
		},
	}
	executeCmd.Flags().BoolVar(&execForce, "force", false, "Bypass the cached quote and the no-route cooldown")
	executeCmd.Flags().BoolVar(&execYes, "yes", false, "Confirm execution")
	executeCmd.Flags().BoolVar(&execStream, "stream", false, "Print every state change as one line before the final envelope")

	var trackQuoteID string
	var trackStream bool
	trackCmd := &cobra.Command{
		Use:   "track",
		Short: "Follow a submitted bridge execution until it is terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			quoteID := strings.TrimSpace(trackQuoteID)
			v, err := s.services(cmd.Context(), serviceOptions{})
			if err != nil {
				return err
			}
			state, err := s.store.Execution(cmd.Context(), quoteID)
			if err != nil {
				return err
			}
			view := executionView{QuoteID: quoteID}
			return s.finishExecution(cmd, view, v.funding.Resume(cmd.Context(), state), trackStream)
		},
	}
	trackCmd.Flags().StringVar(&trackQuoteID, "quote-id", "", "Quote id of the execution")
	trackCmd.Flags().BoolVar(&trackStream, "stream", false, "Print every state change as one line before the final envelope")
	_ = trackCmd.MarkFlagRequired("quote-id")

	var statusQuoteID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Poll the backend once for a bridge execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			quoteID := strings.TrimSpace(statusQuoteID)
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			state, err := s.store.Execution(ctx, quoteID)
			if err != nil {
				if !clierr.Is(err, clierr.CodeUsage) {
					return err
				}
				state = bridge.NewState(quoteID, nil, s.runner.now())
			}
			start := time.Now()
			next, err := v.tracker.Poll(ctx, state)
			s.call("bridge_status", start, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), next, nil, cacheMetaBypass())
		},
	}
	statusCmd.Flags().StringVar(&statusQuoteID, "quote-id", "", "Quote id of the execution")
	_ = statusCmd.MarkFlagRequired("quote-id")

	var listStatus string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked bridge executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.openStore()
			if err != nil {
				return err
			}
			status := strings.ToUpper(strings.TrimSpace(listStatus))
			switch model.ExecutionStatus(status) {
			case "", model.ExecutionSubmitted, model.ExecutionExecuting, model.ExecutionDone, model.ExecutionError:
			default:
				return clierr.New(clierr.CodeUsage, "--status must be SUBMITTED, EXECUTING, DONE or ERROR")
			}
			items, err := st.Executions(cmd.Context(), status, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list executions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass())
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by execution status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum executions to list")

	root.AddCommand(quoteCmd)
	root.AddCommand(mutating(executeCmd))
	root.AddCommand(trackCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(listCmd)
	return root
}

// finishExecution drains events, optionally streaming each one, and renders
// the last state. A failed bridge still prints its streamed history before the
// error envelope.
func (s *runtimeState) finishExecution(cmd *cobra.Command, view executionView, events <-chan funding.Event, stream bool) error {
	var (
		last    *model.BridgeExecutionState
		lastErr error
	)
	for e := range events {
		state := e.State
		last = &state
		if len(e.Safes) > 0 {
			view.Safes = e.Safes
		}
		if e.Err != nil {
			lastErr = e.Err
		}
		if stream {
			ev := eventView{
				Event:     "bridge_state",
				QuoteID:   state.ID,
				Status:    state.Status,
				Legs:      state.Legs,
				Safes:     e.Safes,
				UpdatedAt: state.UpdatedAt,
			}
			if e.Err != nil {
				ev.Error = e.Err.Error()
			}
			if err := s.emitEvent(ev); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "write event", err)
			}
		}
	}
	if lastErr != nil {
		return lastErr
	}
	if err := cmd.Context().Err(); err != nil {
		return clierr.Wrap(clierr.CodeTimeout, "bridge tracking interrupted", err)
	}
	view.State = last
	if last != nil && last.Status == model.ExecutionDone && s.cache != nil {
		if err := s.cache.Invalidate(cmd.Context(), "holdings"); err != nil {
			s.logger.Debug().Err(err).Msg("cache invalidation failed")
		}
	}
	if last != nil && view.QuoteID == "" {
		view.QuoteID = last.ID
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, s.lastWarnings, cacheMetaBypass())
}
