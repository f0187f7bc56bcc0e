// Package funding ties balances, requirements, bridging and safe creation into
// the operations a front end drives.
package funding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/balance"
	"github.com/ggonzalez94/agent-funding/internal/bridge"
	"github.com/ggonzalez94/agent-funding/internal/config"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/metrics"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/refill"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
)

type Quoter interface {
	RefillRequirements(ctx context.Context, requests []model.BridgeRequest, forceUpdate bool) (model.RefillQuote, error)
}

type Executor interface {
	SubmitAndTrack(ctx context.Context, quoteID string, requests []model.BridgeRequest) (<-chan bridge.Update, error)
	Track(ctx context.Context, state model.BridgeExecutionState) <-chan bridge.Update
}

type SafeEnsurer interface {
	EnsureSafeAndTransfer(ctx context.Context, chain, backupOwner string, tokens []string) (model.SafeOutcome, error)
}

type Options struct {
	// SourceChain is where bridged funds are paid from. Defaults to ethereum.
	SourceChain string
	// BackupOwner, when set, makes a finished bridge ensure the receiving safes.
	BackupOwner string
	// Agent requirements are used when the balance source reports none.
	Agent        map[string]config.AgentRequirements
	Cadence      Cadence
	Env          poller.Environment
	MaxFailures  int
	AgentRunning bool
}

type Orchestrator struct {
	balances *balance.Aggregator
	wallets  balance.WalletLister
	quoter   Quoter
	executor Executor
	safes    SafeEnsurer
	opts     Options
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(balances *balance.Aggregator, wallets balance.WalletLister, quoter Quoter, executor Executor, safes SafeEnsurer, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if opts.SourceChain == "" {
		opts.SourceChain = "ethereum"
	}
	if opts.Cadence.Stale <= 0 || opts.Cadence.Idle <= 0 {
		opts.Cadence = DefaultCadence()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &Orchestrator{
		balances: balances,
		wallets:  wallets,
		quoter:   quoter,
		executor: executor,
		safes:    safes,
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

// Assessment is one shortfall computation together with the inputs it used.
type Assessment struct {
	Holdings     model.Holdings             `json:"holdings"`
	Requirements []model.FundingRequirement `json:"requirements"`
	Shortfalls   []model.RefillShortfall    `json:"shortfalls"`
	Funded       bool                       `json:"funded"`
}

// GetShortfalls reads fresh holdings and compares them to the requirements.
// The snapshot used is always one fetched by this call.
func (o *Orchestrator) GetShortfalls(ctx context.Context) (Assessment, error) {
	holdings, accepted, err := o.balances.Refresh(ctx)
	if err != nil {
		return Assessment{}, err
	}
	if !accepted {
		o.logger.Debug().Msg("balance read superseded; using this call's snapshot")
	}
	reqs := holdings.Requirements
	if len(reqs) == 0 && len(o.opts.Agent) > 0 {
		if reqs, err = o.configuredRequirements(ctx); err != nil {
			return Assessment{}, err
		}
	}
	shortfalls, err := refill.ComputeShortfalls(reqs, balance.Totals(holdings))
	if err != nil {
		return Assessment{}, err
	}
	return Assessment{
		Holdings:     holdings,
		Requirements: reqs,
		Shortfalls:   shortfalls,
		Funded:       refill.IsSufficientlyFunded(shortfalls),
	}, nil
}

func (o *Orchestrator) IsSufficientlyFunded(ctx context.Context) (bool, error) {
	a, err := o.GetShortfalls(ctx)
	if err != nil {
		return false, err
	}
	return a.Funded, nil
}

func (o *Orchestrator) configuredRequirements(ctx context.Context) ([]model.FundingRequirement, error) {
	wallet, err := balance.MasterWalletOf(ctx, o.wallets)
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(o.opts.Agent))
	for slug := range o.opts.Agent {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	out := []model.FundingRequirement{}
	for _, slug := range slugs {
		chain, err := id.ParseChain(slug)
		if err != nil {
			return nil, err
		}
		reqs, err := refill.BuildRequirements(chain, o.opts.Agent[slug], strings.TrimSpace(wallet.Safes[chain.Slug]) != "")
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

// Plan is a quoted refill. Unbridgeable lists shortfalls no bridge from the
// source chain can cover, such as those on the source chain itself.
type Plan struct {
	Assessment   Assessment              `json:"assessment"`
	Requests     []model.BridgeRequest   `json:"requests"`
	Quote        model.RefillQuote       `json:"quote"`
	Unbridgeable []model.RefillShortfall `json:"unbridgeable,omitempty"`
}

// QuoteShortfalls computes shortfalls and asks the backend how to bridge them
// from the master EOA on the source chain into each chain's master safe, or
// the master EOA where no safe exists yet.
func (o *Orchestrator) QuoteShortfalls(ctx context.Context, forceUpdate bool) (Plan, error) {
	assessment, err := o.GetShortfalls(ctx)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Assessment: assessment, Requests: []model.BridgeRequest{}}
	requests, unbridgeable, err := o.bridgeRequests(ctx, assessment.Shortfalls)
	if err != nil {
		return Plan{}, err
	}
	plan.Requests = requests
	plan.Unbridgeable = unbridgeable
	quote, err := o.quoter.RefillRequirements(ctx, requests, forceUpdate)
	if err != nil {
		return plan, err
	}
	plan.Quote = quote
	return plan, nil
}

func (o *Orchestrator) bridgeRequests(ctx context.Context, shortfalls []model.RefillShortfall) ([]model.BridgeRequest, []model.RefillShortfall, error) {
	if len(shortfalls) == 0 {
		return []model.BridgeRequest{}, nil, nil
	}
	sourceChain, err := id.ParseChain(o.opts.SourceChain)
	if err != nil {
		return nil, nil, err
	}
	wallet, err := balance.MasterWalletOf(ctx, o.wallets)
	if err != nil {
		return nil, nil, err
	}
	bridgeable := make([]model.RefillShortfall, 0, len(shortfalls))
	var unbridgeable []model.RefillShortfall
	destinations := map[string]string{}
	for _, s := range shortfalls {
		if s.Chain == sourceChain.Slug || !payable(sourceChain, s) {
			unbridgeable = append(unbridgeable, s)
			continue
		}
		bridgeable = append(bridgeable, s)
		dest := strings.TrimSpace(wallet.Safes[s.Chain])
		if dest == "" {
			dest = wallet.Address
		}
		destinations[s.Chain] = dest
	}
	if len(unbridgeable) > 0 {
		o.logger.Warn().Int("count", len(unbridgeable)).Str("source_chain", sourceChain.Slug).Msg("some shortfalls cannot be bridged")
	}
	requests, err := refill.BuildBridgeRequests(bridgeable, refill.Source{Chain: sourceChain, Address: wallet.Address}, destinations)
	if err != nil {
		return nil, nil, err
	}
	return requests, unbridgeable, nil
}

// payable reports whether the source chain holds something to pay for s with.
func payable(source registry.Chain, s model.RefillShortfall) bool {
	dest, err := registry.Token(s.Chain, s.Symbol)
	if err != nil {
		return false
	}
	if dest.IsNative() {
		return true
	}
	_, err = registry.Token(source.Slug, s.Symbol)
	return err == nil
}

// Event is one step of a tracked refill. Safes is filled once a finished
// bridge triggered safe creation on the receiving chains.
type Event struct {
	State model.BridgeExecutionState `json:"state"`
	Safes []model.SafeOutcome        `json:"safes,omitempty"`
	Err   error                      `json:"-"`
}

// Submission is the result of SubmitAndTrackBridge. Events is nil when the
// quote needed no execution.
type Submission struct {
	Quote  model.RefillQuote `json:"quote"`
	Events <-chan Event      `json:"-"`
}

// SubmitAndTrackBridge quotes requests, executes the quote and streams its
// states. A quote without legs is already satisfied and submits nothing. A
// quote without a route fails with CodeNoRoute.
func (o *Orchestrator) SubmitAndTrackBridge(ctx context.Context, requests []model.BridgeRequest, forceUpdate bool) (Submission, error) {
	quote, err := o.quoter.RefillRequirements(ctx, requests, forceUpdate)
	if err != nil {
		return Submission{}, err
	}
	return o.Submit(ctx, quote, requests)
}

// Submit executes an already obtained quote for requests.
func (o *Orchestrator) Submit(ctx context.Context, quote model.RefillQuote, requests []model.BridgeRequest) (Submission, error) {
	sub := Submission{Quote: quote}
	switch quote.Outcome {
	case model.QuoteOutcomeSatisfied:
		return sub, nil
	case model.QuoteOutcomeUnserviceable:
		msg := "no bridge route available"
		if quote.Message != "" {
			msg = fmt.Sprintf("%s: %s", msg, quote.Message)
		}
		return sub, clierr.New(clierr.CodeNoRoute, msg)
	}
	if len(quote.Legs) == 0 {
		return sub, nil
	}

	updates, err := o.executor.SubmitAndTrack(ctx, quote.QuoteID, requests)
	if err != nil {
		return sub, err
	}
	events := make(chan Event, 8)
	sub.Events = events
	go o.follow(ctx, requests, updates, events)
	return sub, nil
}

// Resume follows an execution submitted earlier, for example by another
// process, with the same completion handling as Submit.
func (o *Orchestrator) Resume(ctx context.Context, state model.BridgeExecutionState) <-chan Event {
	events := make(chan Event, 8)
	go o.follow(ctx, state.Requests, o.executor.Track(ctx, state), events)
	return events
}

func (o *Orchestrator) follow(ctx context.Context, requests []model.BridgeRequest, updates <-chan bridge.Update, events chan<- Event) {
	defer close(events)
	emit := func(e Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}
	for u := range updates {
		if u.Err != nil {
			emit(Event{State: u.State, Err: u.Err})
			continue
		}
		switch u.State.Status {
		case model.ExecutionDone:
			emit(Event{State: u.State, Safes: o.afterDone(ctx, requests)})
		case model.ExecutionError:
			emit(Event{State: u.State, Err: clierr.New(clierr.CodeBridgeFailed, fmt.Sprintf("bridge %s failed on legs %v", u.State.ID, u.State.FailedLegs()))})
		default:
			emit(Event{State: u.State})
		}
	}
}

func (o *Orchestrator) afterDone(ctx context.Context, requests []model.BridgeRequest) []model.SafeOutcome {
	o.balances.Invalidate()
	if _, _, err := o.balances.Refresh(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("balance refresh after bridge failed")
	}
	if o.opts.BackupOwner == "" || o.safes == nil {
		return nil
	}
	tokens := map[string][]string{}
	chains := []string{}
	for _, r := range requests {
		chain, ok := registry.ChainBySlug(r.To.Chain)
		if !ok || chain.SafeCreationThreshold.IsZero() {
			continue
		}
		if _, seen := tokens[chain.Slug]; !seen {
			chains = append(chains, chain.Slug)
		}
		tokens[chain.Slug] = append(tokens[chain.Slug], r.To.Token)
	}
	out := make([]model.SafeOutcome, 0, len(chains))
	for _, chain := range chains {
		outcome, err := o.safes.EnsureSafeAndTransfer(ctx, chain, o.opts.BackupOwner, tokens[chain])
		if err != nil {
			o.logger.Warn().Err(err).Str("chain", chain).Msg("safe creation after bridge failed")
			if outcome.Chain == "" {
				continue
			}
		}
		out = append(out, outcome)
	}
	return out
}

func (o *Orchestrator) EnsureSafeAndTransfer(ctx context.Context, chain, backupOwner string, tokens []string) (model.SafeOutcome, error) {
	if o.safes == nil {
		return model.SafeOutcome{}, clierr.New(clierr.CodeUnsupported, "safe creation is not configured")
	}
	if backupOwner == "" {
		backupOwner = o.opts.BackupOwner
	}
	return o.safes.EnsureSafeAndTransfer(ctx, chain, backupOwner, tokens)
}

// SubscribeBalances delivers every accepted holdings snapshot.
func (o *Orchestrator) SubscribeBalances() (<-chan model.Holdings, func()) {
	return o.balances.Subscribe()
}

// Tick is one Watch observation. Next is the wait chosen before the following
// read.
type Tick struct {
	Assessment Assessment
	Next       time.Duration
	Err        error
}

// Watch reassesses funding on the adaptive poller until ctx is cancelled or
// MaxFailures consecutive reads fail. The healthy interval follows Cadence.
func (o *Orchestrator) Watch(ctx context.Context, onTick func(Tick)) error {
	p := poller.New(o.opts.Cadence.Stale, o.opts.Env, o.opts.Cadence.Backoff)
	var (
		last     Tick
		failures int
		waiting  int
		finalErr error
	)
	p.Observe(func(wait time.Duration, err error) {
		o.metrics.ObservePoll("funding_requirements", err, wait)
		last.Next = wait
		if onTick != nil {
			onTick(last)
		}
	})
	err := p.Run(ctx, func(pctx context.Context) error {
		a, err := o.GetShortfalls(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return err
			}
			failures++
			last = Tick{Err: err}
			if failures >= o.opts.MaxFailures {
				finalErr = err
				return poller.ErrStop
			}
			o.logger.Warn().Err(err).Int("failures", failures).Msg("funding read failed")
			return err
		}
		failures = 0
		status := a.Holdings.Status
		if o.opts.AgentRunning && status != nil && status.IsRefillRequired {
			waiting++
		} else {
			waiting = 0
		}
		p.SetBase(o.opts.Cadence.Base(status, o.opts.AgentRunning, max(waiting-1, 0)))
		last = Tick{Assessment: a}
		return nil
	})
	if finalErr != nil {
		if onTick != nil {
			onTick(Tick{Err: finalErr})
		}
		return finalErr
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
