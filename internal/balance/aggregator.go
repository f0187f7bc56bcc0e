package balance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/refill"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WalletKinds selects which holdings count toward an aggregate. The zero value
// selects every kind.
type WalletKinds struct {
	EOA    bool
	Safe   bool
	Staked bool
}

func (k WalletKinds) all() bool { return !k.EOA && !k.Safe && !k.Staked }

// Aggregator owns the latest accepted holdings snapshot. Refreshes are
// sequence-stamped so a slow read can never replace a newer one.
type Aggregator struct {
	source Source
	logger zerolog.Logger
	seq    poller.Sequence

	mu      sync.RWMutex
	latest  *model.Holdings
	subs    map[int]chan model.Holdings
	nextSub int
}

func NewAggregator(source Source, logger zerolog.Logger) *Aggregator {
	return &Aggregator{source: source, logger: logger, subs: map[int]chan model.Holdings{}}
}

// Refresh fetches holdings and publishes them unless a later refresh was issued
// while this one was in flight. It reports whether the result was accepted.
func (a *Aggregator) Refresh(ctx context.Context) (model.Holdings, bool, error) {
	stamp := a.seq.Next()
	holdings, err := a.source.Fetch(ctx)
	if err != nil {
		return model.Holdings{}, false, err
	}

	a.mu.Lock()
	if !a.seq.IsLatest(stamp) {
		a.mu.Unlock()
		a.logger.Debug().Uint64("stamp", stamp).Msg("discarding superseded balance read")
		return holdings, false, nil
	}
	a.latest = &holdings
	subs := make([]chan model.Holdings, 0, len(a.subs))
	for _, ch := range a.subs {
		subs = append(subs, ch)
	}
	a.mu.Unlock()

	for _, ch := range subs {
		// Subscribers only care about the newest snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- holdings:
		default:
		}
	}
	return holdings, true, nil
}

// Latest returns the last accepted snapshot.
func (a *Aggregator) Latest() (model.Holdings, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return model.Holdings{}, false
	}
	return *a.latest, true
}

// Invalidate drops the current snapshot and supersedes any read in flight.
func (a *Aggregator) Invalidate() {
	a.seq.Next()
	a.mu.Lock()
	a.latest = nil
	a.mu.Unlock()
}

// Subscribe delivers every accepted snapshot. Slow readers only see the most
// recent one. Call the returned func to unsubscribe.
func (a *Aggregator) Subscribe() (<-chan model.Holdings, func()) {
	ch := make(chan model.Holdings, 1)
	a.mu.Lock()
	key := a.nextSub
	a.nextSub++
	a.subs[key] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, key)
			a.mu.Unlock()
		})
	}
}

// AggregatedBalance sums the selected holdings of one token on one chain from
// the latest snapshot. OLAS counts the safe plus staked bond and deposit;
// the native token counts the safe plus the EOA; other tokens count the safe.
func (a *Aggregator) AggregatedBalance(chain string, symbol registry.Symbol, kinds WalletKinds) (decimal.Decimal, error) {
	holdings, ok := a.Latest()
	if !ok {
		return decimal.Zero, clierr.New(clierr.CodeStale, "no balance snapshot available; refresh first")
	}
	return Aggregate(holdings, chain, symbol, kinds)
}

func Aggregate(h model.Holdings, chainSlug string, symbol registry.Symbol, kinds WalletKinds) (decimal.Decimal, error) {
	chain, ok := registry.ChainBySlug(chainSlug)
	if !ok {
		return decimal.Zero, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", chainSlug))
	}
	token, err := registry.Token(chain.Slug, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	eoa, safe, staked := kinds.EOA, kinds.Safe, kinds.Staked
	if kinds.all() {
		eoa, safe, staked = true, true, true
	}
	// Only the native token is spendable from the EOA and only OLAS is staked.
	eoa = eoa && token.IsNative()
	staked = staked && token.Symbol == registry.SymbolOLAS

	total := decimal.Zero
	for _, b := range h.Balances {
		if b.Chain != chain.Slug || b.Symbol != token.Symbol {
			continue
		}
		if (b.WalletKind == model.WalletKindEOA && eoa) || (b.WalletKind == model.WalletKindSafe && safe) {
			total = total.Add(b.Amount)
		}
	}
	if staked {
		for _, p := range h.Staked {
			if p.Chain == chain.Slug {
				total = total.Add(p.Bond).Add(p.Deposit)
			}
		}
	}
	return total, nil
}

// Totals aggregates every chain/token pair present in the snapshot with all
// wallet kinds selected.
func Totals(h model.Holdings) refill.Balances {
	out := refill.Balances{}
	seen := map[string]map[registry.Symbol]bool{}
	mark := func(chain string, symbol registry.Symbol) {
		if seen[chain] == nil {
			seen[chain] = map[registry.Symbol]bool{}
		}
		seen[chain][symbol] = true
	}
	for _, b := range h.Balances {
		mark(b.Chain, b.Symbol)
	}
	for _, p := range h.Staked {
		mark(p.Chain, registry.SymbolOLAS)
	}
	for chain, symbols := range seen {
		for symbol := range symbols {
			amount, err := Aggregate(h, chain, symbol, WalletKinds{})
			if err != nil {
				continue
			}
			out.Set(chain, symbol, amount)
		}
	}
	return out
}

func sortBalances(balances []model.WalletBalance) {
	order := map[string]int{}
	for i, c := range registry.Chains() {
		order[c.Slug] = i
	}
	sort.SliceStable(balances, func(i, j int) bool {
		a, b := balances[i], balances[j]
		if a.Chain != b.Chain {
			return order[a.Chain] < order[b.Chain]
		}
		if a.WalletKind != b.WalletKind {
			return a.WalletKind < b.WalletKind
		}
		return a.Symbol < b.Symbol
	})
}
