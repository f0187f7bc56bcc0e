package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/funding"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type intervalView struct {
	Base        string          `json:"base"`
	WindowState string          `json:"window_state"`
	Effective   string          `json:"effective"`
	ByState     []stateInterval `json:"by_window_state"`
	Backoff     []string        `json:"backoff"`
}

type stateInterval struct {
	WindowState string `json:"window_state"`
	Effective   string `json:"effective"`
}

func (s *runtimeState) newPollCommand() *cobra.Command {
	root := &cobra.Command{Use: "poll", Short: "Inspect adaptive polling intervals"}

	var baseArg string
	var failures int
	intervalCmd := &cobra.Command{
		Use:   "interval",
		Short: "Show the effective wait for a base interval under the current window state and failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := s.settings.PollBase
			if strings.TrimSpace(baseArg) != "" {
				d, err := time.ParseDuration(baseArg)
				if err != nil || d <= 0 {
					return clierr.New(clierr.CodeUsage, "--base must be a positive duration")
				}
				base = d
			}
			if failures < 0 {
				return clierr.New(clierr.CodeUsage, "--failures must be >= 0")
			}
			state := s.settings.WindowState
			view := intervalView{
				Base:        base.String(),
				WindowState: string(state),
				Effective:   poller.EffectiveInterval(base, state).String(),
				Backoff:     []string{},
			}
			if failures > 0 {
				view.Effective = s.settings.Backoff.Interval(failures - 1).String()
			}
			for _, ws := range []poller.WindowState{poller.Focused, poller.Visible, poller.Hidden} {
				view.ByState = append(view.ByState, stateInterval{WindowState: string(ws), Effective: poller.EffectiveInterval(base, ws).String()})
			}
			for i := 0; i < s.settings.Backoff.Steps; i++ {
				view.Backoff = append(view.Backoff, s.settings.Backoff.Interval(i).String())
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, cacheMetaBypass())
		},
	}
	intervalCmd.Flags().StringVar(&baseArg, "base", "", "Healthy base interval (default poll_base)")
	intervalCmd.Flags().IntVar(&failures, "failures", 0, "Consecutive failures so far")

	root.AddCommand(intervalCmd)
	return root
}

// tickView is one streamed line of watch output.
type tickView struct {
	Event      string                    `json:"event"`
	Funded     bool                      `json:"funded"`
	Shortfalls []model.RefillShortfall   `json:"shortfalls"`
	Status     *model.AgentFundingStatus `json:"status,omitempty"`
	NextMS     int64                     `json:"next_ms"`
	Error      string                    `json:"error,omitempty"`
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var metricsAddr string
	var agentRunning bool
	var maxTicks int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reassess funding on the adaptive poller and stream one line per read",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxTicks < 0 {
				return clierr.New(clierr.CodeUsage, "--max-ticks must be >= 0")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			v, err := s.services(ctx, serviceOptions{agentRunning: agentRunning})
			if err != nil {
				return err
			}

			if strings.TrimSpace(metricsAddr) != "" {
				stop, err := s.serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			ticks := 0
			var writeErr error
			watchErr := v.funding.Watch(ctx, func(t funding.Tick) {
				ticks++
				ev := tickView{Event: "funding_tick", NextMS: t.Next.Milliseconds(), Shortfalls: []model.RefillShortfall{}}
				if t.Err != nil {
					ev.Error = t.Err.Error()
				} else {
					ev.Funded = t.Assessment.Funded
					ev.Shortfalls = t.Assessment.Shortfalls
					ev.Status = t.Assessment.Holdings.Status
				}
				if err := s.emitEvent(ev); err != nil && writeErr == nil {
					writeErr = err
					cancel()
				}
				if maxTicks > 0 && ticks >= maxTicks {
					cancel()
				}
			})
			if writeErr != nil {
				return clierr.Wrap(clierr.CodeInternal, "write event", writeErr)
			}
			if watchErr != nil {
				return watchErr
			}
			s.logger.Info().Int("ticks", ticks).Msg("watch stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while watching")
	cmd.Flags().BoolVar(&agentRunning, "agent-running", false, "Back off while the agent is running and a refill is pending")
	cmd.Flags().IntVar(&maxTicks, "max-ticks", 0, "Stop after this many reads (0 runs until interrupted)")
	return cmd
}

func (s *runtimeState) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "listen for metrics", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
