package funding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/balance"
	"github.com/ggonzalez94/agent-funding/internal/bridge"
	"github.com/ggonzalez94/agent-funding/internal/config"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	masterEOA  = "0x1111111111111111111111111111111111111111"
	gnosisSafe = "0x2222222222222222222222222222222222222222"
	backupAddr = "0x3333333333333333333333333333333333333333"
)

type fakeSource struct {
	calls    atomic.Int32
	holdings model.Holdings
	err      error
}

func (f *fakeSource) Fetch(context.Context) (model.Holdings, error) {
	f.calls.Add(1)
	if f.err != nil {
		return model.Holdings{}, f.err
	}
	return f.holdings, nil
}

type fakeLister struct{ wallet model.MasterWallet }

func (f fakeLister) Wallets(context.Context) ([]model.MasterWallet, error) {
	return []model.MasterWallet{f.wallet}, nil
}

type fakeQuoter struct {
	quote    model.RefillQuote
	err      error
	requests []model.BridgeRequest
	calls    int
}

func (f *fakeQuoter) RefillRequirements(_ context.Context, requests []model.BridgeRequest, _ bool) (model.RefillQuote, error) {
	f.calls++
	f.requests = requests
	return f.quote, f.err
}

type fakeExecutor struct {
	updates []bridge.Update
	calls   int
}

func (f *fakeExecutor) SubmitAndTrack(context.Context, string, []model.BridgeRequest) (<-chan bridge.Update, error) {
	f.calls++
	return f.replay(), nil
}

func (f *fakeExecutor) Track(context.Context, model.BridgeExecutionState) <-chan bridge.Update {
	return f.replay()
}

func (f *fakeExecutor) replay() <-chan bridge.Update {
	ch := make(chan bridge.Update, len(f.updates))
	for _, u := range f.updates {
		ch <- u
	}
	close(ch)
	return ch
}

type fakeSafes struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSafes) EnsureSafeAndTransfer(_ context.Context, chain, backupOwner string, tokens []string) (model.SafeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chain+"|"+backupOwner)
	return model.SafeOutcome{Chain: chain, Status: model.SafeCreatedTransferCompleted, IsSafeCreated: true}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func gnosisHoldings() model.Holdings {
	return model.Holdings{
		Balances: []model.WalletBalance{
			{WalletAddress: gnosisSafe, WalletKind: model.WalletKindSafe, Chain: "gnosis", Symbol: registry.SymbolOLAS, Amount: dec("10")},
			{WalletAddress: gnosisSafe, WalletKind: model.WalletKindSafe, Chain: "gnosis", Symbol: registry.SymbolXDAI, IsNative: true, Amount: dec("11.5")},
		},
		Requirements: []model.FundingRequirement{
			{Chain: "gnosis", Symbol: registry.SymbolOLAS, RequiredAmount: dec("40")},
			{Chain: "gnosis", Symbol: registry.SymbolXDAI, RequiredAmount: dec("11.5")},
		},
	}
}

func wallet() model.MasterWallet {
	return model.MasterWallet{Address: masterEOA, Safes: map[string]string{"gnosis": gnosisSafe}}
}

func newOrchestrator(src balance.Source, q Quoter, e Executor, s SafeEnsurer, opts Options) *Orchestrator {
	return New(balance.NewAggregator(src, zerolog.Nop()), fakeLister{wallet: wallet()}, q, e, s, opts, nil, zerolog.Nop())
}

func TestGetShortfallsGnosisScenario(t *testing.T) {
	o := newOrchestrator(&fakeSource{holdings: gnosisHoldings()}, &fakeQuoter{}, &fakeExecutor{}, nil, Options{})
	a, err := o.GetShortfalls(context.Background())
	if err != nil {
		t.Fatalf("GetShortfalls failed: %v", err)
	}
	if len(a.Shortfalls) != 1 || a.Shortfalls[0].Chain != "gnosis" || a.Shortfalls[0].Symbol != registry.SymbolOLAS || !a.Shortfalls[0].MissingAmount.Equal(dec("30")) {
		t.Fatalf("unexpected shortfalls %+v", a.Shortfalls)
	}
	if a.Funded {
		t.Fatal("expected unfunded assessment")
	}
	funded, err := o.IsSufficientlyFunded(context.Background())
	if err != nil || funded {
		t.Fatalf("expected not funded, got %v %v", funded, err)
	}
}

func TestGetShortfallsFallsBackToConfiguredRequirements(t *testing.T) {
	opts := Options{Agent: map[string]config.AgentRequirements{
		"gnosis": {MonthlyGas: dec("2"), StakingMinimum: dec("20")},
	}}
	o := newOrchestrator(&fakeSource{}, &fakeQuoter{}, &fakeExecutor{}, nil, opts)
	a, err := o.GetShortfalls(context.Background())
	if err != nil {
		t.Fatalf("GetShortfalls failed: %v", err)
	}
	// The safe exists, so no creation threshold is added to the gas need.
	if len(a.Shortfalls) != 2 {
		t.Fatalf("expected two shortfalls, got %+v", a.Shortfalls)
	}
	if a.Shortfalls[0].Symbol != registry.SymbolXDAI || !a.Shortfalls[0].MissingAmount.Equal(dec("2")) {
		t.Fatalf("unexpected native shortfall %+v", a.Shortfalls[0])
	}
	if a.Shortfalls[1].Symbol != registry.SymbolOLAS || !a.Shortfalls[1].MissingAmount.Equal(dec("20")) {
		t.Fatalf("unexpected OLAS shortfall %+v", a.Shortfalls[1])
	}
}

func TestQuoteShortfallsBuildsRequests(t *testing.T) {
	h := gnosisHoldings()
	h.Requirements = append(h.Requirements,
		model.FundingRequirement{Chain: "ethereum", Symbol: registry.SymbolETH, RequiredAmount: dec("1")},
		model.FundingRequirement{Chain: "gnosis", Symbol: registry.SymbolWXDAI, RequiredAmount: dec("1")},
	)
	q := &fakeQuoter{quote: model.RefillQuote{QuoteID: "q-1", Outcome: model.QuoteOutcomeQuoted, Legs: []model.QuoteLeg{{Status: "QUOTE_DONE"}}}}
	o := newOrchestrator(&fakeSource{holdings: h}, q, &fakeExecutor{}, nil, Options{})

	plan, err := o.QuoteShortfalls(context.Background(), false)
	if err != nil {
		t.Fatalf("QuoteShortfalls failed: %v", err)
	}
	if len(plan.Requests) != 1 || len(q.requests) != 1 {
		t.Fatalf("expected one bridge request, got %+v", plan.Requests)
	}
	req := plan.Requests[0]
	if req.From.Chain != "ethereum" || req.From.Address != masterEOA || req.To.Chain != "gnosis" || req.To.Address != gnosisSafe {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.To.Amount != "30000000000000000000" {
		t.Fatalf("unexpected amount %s", req.To.Amount)
	}
	if len(plan.Unbridgeable) != 2 {
		t.Fatalf("expected source-chain and WXDAI shortfalls to be unbridgeable, got %+v", plan.Unbridgeable)
	}
	if plan.Quote.QuoteID != "q-1" {
		t.Fatalf("unexpected quote %+v", plan.Quote)
	}
}

func TestSubmitSatisfiedQuoteSubmitsNothing(t *testing.T) {
	e := &fakeExecutor{}
	q := &fakeQuoter{quote: model.RefillQuote{Outcome: model.QuoteOutcomeSatisfied}}
	o := newOrchestrator(&fakeSource{}, q, e, nil, Options{})
	sub, err := o.SubmitAndTrackBridge(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("SubmitAndTrackBridge failed: %v", err)
	}
	if sub.Events != nil || e.calls != 0 {
		t.Fatalf("expected no execution, got events=%v calls=%d", sub.Events, e.calls)
	}
}

func TestSubmitUnserviceableQuote(t *testing.T) {
	q := &fakeQuoter{quote: model.RefillQuote{Outcome: model.QuoteOutcomeUnserviceable, Message: "no liquidity"}}
	e := &fakeExecutor{}
	_, err := newOrchestrator(&fakeSource{}, q, e, nil, Options{}).SubmitAndTrackBridge(context.Background(), nil, false)
	if !clierr.Is(err, clierr.CodeNoRoute) {
		t.Fatalf("expected no route error, got %v", err)
	}
	if e.calls != 0 {
		t.Fatal("unserviceable quote must not be executed")
	}
}

func TestSubmitDoneRefreshesAndEnsuresSafe(t *testing.T) {
	requests := []model.BridgeRequest{{
		From: model.BridgeEndpoint{Chain: "ethereum", Address: masterEOA, Token: registry.NativeTokenAddress},
		To:   model.BridgeEndpoint{Chain: "gnosis", Address: gnosisSafe, Token: registry.NativeTokenAddress, Amount: "1"},
	}}
	q := &fakeQuoter{quote: model.RefillQuote{QuoteID: "q-1", Outcome: model.QuoteOutcomeQuoted, Legs: []model.QuoteLeg{{Status: "QUOTE_DONE"}}}}
	e := &fakeExecutor{updates: []bridge.Update{
		{State: model.BridgeExecutionState{ID: "q-1", Status: model.ExecutionSubmitted}},
		{State: model.BridgeExecutionState{ID: "q-1", Status: model.ExecutionDone, Legs: []model.LegState{{Status: model.LegDone, TxHash: "0xaa"}}}},
	}}
	src := &fakeSource{holdings: gnosisHoldings()}
	safes := &fakeSafes{}
	o := newOrchestrator(src, q, e, safes, Options{BackupOwner: backupAddr})

	sub, err := o.SubmitAndTrackBridge(context.Background(), requests, true)
	if err != nil {
		t.Fatalf("SubmitAndTrackBridge failed: %v", err)
	}
	var events []Event
	for ev := range sub.Events {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	last := events[1]
	if last.Err != nil || last.State.Status != model.ExecutionDone || len(last.Safes) != 1 {
		t.Fatalf("unexpected final event %+v", last)
	}
	if len(safes.calls) != 1 || safes.calls[0] != "gnosis|"+backupAddr {
		t.Fatalf("unexpected safe calls %v", safes.calls)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected a balance refresh after completion, got %d reads", src.calls.Load())
	}
	if _, ok := o.balances.Latest(); !ok {
		t.Fatal("expected a fresh snapshot after completion")
	}
}

func TestSubmitErrorIsBridgeFailure(t *testing.T) {
	q := &fakeQuoter{quote: model.RefillQuote{QuoteID: "q-2", Outcome: model.QuoteOutcomeQuoted, Legs: []model.QuoteLeg{{}, {}}}}
	e := &fakeExecutor{updates: []bridge.Update{{State: model.BridgeExecutionState{
		ID:     "q-2",
		Status: model.ExecutionError,
		Legs:   []model.LegState{{Status: model.LegDone, TxHash: "0xaa"}, {Status: model.LegFailed}},
	}}}}
	sub, err := newOrchestrator(&fakeSource{}, q, e, nil, Options{}).SubmitAndTrackBridge(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("SubmitAndTrackBridge failed: %v", err)
	}
	ev := <-sub.Events
	if !clierr.Is(ev.Err, clierr.CodeBridgeFailed) {
		t.Fatalf("expected bridge failure, got %v", ev.Err)
	}
	if ev.State.Legs[0].TxHash != "0xaa" {
		t.Fatal("finished leg lost its tx hash")
	}
}

func TestEnsureSafeUsesConfiguredBackupOwner(t *testing.T) {
	safes := &fakeSafes{}
	o := newOrchestrator(&fakeSource{}, &fakeQuoter{}, &fakeExecutor{}, safes, Options{BackupOwner: backupAddr})
	if _, err := o.EnsureSafeAndTransfer(context.Background(), "gnosis", "", nil); err != nil {
		t.Fatalf("EnsureSafeAndTransfer failed: %v", err)
	}
	if safes.calls[0] != "gnosis|"+backupAddr {
		t.Fatalf("unexpected call %v", safes.calls)
	}
	_, err := newOrchestrator(&fakeSource{}, &fakeQuoter{}, &fakeExecutor{}, nil, Options{}).EnsureSafeAndTransfer(context.Background(), "gnosis", "", nil)
	if !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported without a safe service, got %v", err)
	}
}

func TestSubscribeBalances(t *testing.T) {
	o := newOrchestrator(&fakeSource{holdings: gnosisHoldings()}, &fakeQuoter{}, &fakeExecutor{}, nil, Options{})
	ch, unsubscribe := o.SubscribeBalances()
	defer unsubscribe()
	if _, err := o.GetShortfalls(context.Background()); err != nil {
		t.Fatalf("GetShortfalls failed: %v", err)
	}
	select {
	case h := <-ch:
		if len(h.Balances) != 2 {
			t.Fatalf("unexpected snapshot %+v", h)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestCadenceBase(t *testing.T) {
	c := Cadence{Stale: 30 * time.Second, Idle: time.Hour, Backoff: poller.DefaultBackoff()}
	cases := []struct {
		name    string
		status  *model.AgentFundingStatus
		running bool
		waiting int
		want    time.Duration
	}{
		{"unknown", nil, false, 0, 30 * time.Second},
		{"in progress", &model.AgentFundingStatus{AgentFundingInProgress: true}, true, 3, 30 * time.Second},
		{"cooldown", &model.AgentFundingStatus{AgentFundingRequestsCooldown: true}, false, 0, 30 * time.Second},
		{"running needs refill", &model.AgentFundingStatus{IsRefillRequired: true}, true, 0, 30 * time.Second},
		{"running needs refill later", &model.AgentFundingStatus{IsRefillRequired: true}, true, 10, 60 * time.Second},
		{"stopped needs refill", &model.AgentFundingStatus{IsRefillRequired: true}, false, 0, time.Hour},
		{"healthy", &model.AgentFundingStatus{AllowStartAgent: true}, true, 0, time.Hour},
	}
	for _, tc := range cases {
		if got := c.Base(tc.status, tc.running, tc.waiting); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestWatchStopsAfterFailureBudget(t *testing.T) {
	src := &fakeSource{err: clierr.New(clierr.CodeUnavailable, "backend down")}
	opts := Options{
		MaxFailures: 3,
		Cadence:     Cadence{Stale: 5 * time.Millisecond, Idle: 5 * time.Millisecond, Backoff: poller.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Steps: 2}},
	}
	o := newOrchestrator(src, &fakeQuoter{}, &fakeExecutor{}, nil, opts)
	var ticks []Tick
	err := o.Watch(context.Background(), func(t Tick) { ticks = append(ticks, t) })
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if src.calls.Load() != 3 {
		t.Fatalf("expected three reads, got %d", src.calls.Load())
	}
	if len(ticks) != 3 || ticks[2].Err == nil {
		t.Fatalf("unexpected ticks %+v", ticks)
	}
}

func TestWatchReportsAssessments(t *testing.T) {
	opts := Options{Cadence: Cadence{Stale: 5 * time.Millisecond, Idle: 5 * time.Millisecond, Backoff: poller.DefaultBackoff()}}
	o := newOrchestrator(&fakeSource{holdings: gnosisHoldings()}, &fakeQuoter{}, &fakeExecutor{}, nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	var got Tick
	err := o.Watch(ctx, func(t Tick) {
		got = t
		cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Watch returned %v", err)
	}
	if got.Err != nil || len(got.Assessment.Shortfalls) != 1 || got.Next != 5*time.Millisecond {
		t.Fatalf("unexpected tick %+v", got)
	}
}

func TestResumeFollowsStoredExecution(t *testing.T) {
	e := &fakeExecutor{updates: []bridge.Update{
		{State: model.BridgeExecutionState{ID: "q-3", Status: model.ExecutionExecuting, Legs: []model.LegState{{Status: model.LegPending}}}},
		{State: model.BridgeExecutionState{ID: "q-3", Status: model.ExecutionDone, Legs: []model.LegState{{Status: model.LegDone}}}},
	}}
	src := &fakeSource{}
	o := newOrchestrator(src, &fakeQuoter{}, e, nil, Options{})
	var last Event
	for ev := range o.Resume(context.Background(), model.BridgeExecutionState{ID: "q-3", Status: model.ExecutionExecuting}) {
		last = ev
	}
	if last.State.Status != model.ExecutionDone || last.Err != nil {
		t.Fatalf("unexpected final event %+v", last)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected balance refresh after completion, got %d", src.calls.Load())
	}
}
