package app

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/balance"
	"github.com/ggonzalez94/agent-funding/internal/cache"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const holdingsTTL = 30 * time.Second

type chainRow struct {
	Name                  string          `json:"name"`
	Slug                  string          `json:"slug"`
	ChainID               int64           `json:"chain_id"`
	NativeSymbol          registry.Symbol `json:"native_symbol"`
	ExplorerURL           string          `json:"explorer_url"`
	SafeCreationThreshold decimal.Decimal `json:"safe_creation_threshold"`
	SafesSupported        bool            `json:"safes_supported"`
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List supported chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := []chainRow{}
			for _, c := range registry.Chains() {
				rows = append(rows, chainRow{
					Name:                  c.Name,
					Slug:                  c.Slug,
					ChainID:               c.EVMChainID,
					NativeSymbol:          c.NativeSymbol,
					ExplorerURL:           c.ExplorerURL,
					SafeCreationThreshold: c.SafeCreationThreshold,
					SafesSupported:        !c.SafeCreationThreshold.IsZero(),
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil, cacheMetaBypass())
		},
	}
}

type tokenRow struct {
	Chain    string             `json:"chain"`
	Symbol   registry.Symbol    `json:"symbol"`
	Address  string             `json:"address"`
	Type     registry.TokenType `json:"type"`
	Decimals int                `json:"decimals"`
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	var chainArg string
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "List tokens tracked on a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			rows := []tokenRow{}
			for _, t := range registry.Tokens(chain.Slug) {
				rows = append(rows, tokenRow{Chain: chain.Slug, Symbol: t.Symbol, Address: t.WireAddress(), Type: t.Type, Decimals: t.Decimals})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil, cacheMetaBypass())
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain name, slug or id")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

type totalRow struct {
	Chain  string          `json:"chain"`
	Symbol registry.Symbol `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

type balancesView struct {
	Totals    []totalRow             `json:"totals"`
	Balances  []model.WalletBalance  `json:"balances"`
	Staked    []model.StakedPosition `json:"staked,omitempty"`
	FetchedAt time.Time              `json:"fetched_at"`
}

type aggregateView struct {
	Chain  string          `json:"chain"`
	Symbol registry.Symbol `json:"symbol"`
	Kinds  []string        `json:"kinds"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	var chainArg, tokenArg, kindsArg string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show master wallet holdings, or one aggregated balance with --chain and --token",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, kindNames, err := parseKinds(kindsArg)
			if err != nil {
				return err
			}
			var chain registry.Chain
			var token registry.TokenConfig
			single := strings.TrimSpace(chainArg) != "" || strings.TrimSpace(tokenArg) != ""
			if single {
				if chain, err = id.ParseChain(chainArg); err != nil {
					return err
				}
				if token, err = id.ParseToken(tokenArg, chain); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			holdings, cacheStatus, warnings, err := s.cachedHoldings(ctx, v)
			if err != nil {
				return err
			}
			warnings = append(s.lastWarnings, warnings...)
			s.lastWarnings = warnings

			path := trimRootPath(cmd.CommandPath())
			if single {
				amount, err := balance.Aggregate(holdings, chain.Slug, token.Symbol, kinds)
				if err != nil {
					return err
				}
				return s.emitSuccess(path, aggregateView{Chain: chain.Slug, Symbol: token.Symbol, Kinds: kindNames, Amount: amount}, warnings, cacheStatus)
			}
			view := balancesView{
				Totals:    totalRows(balance.Totals(holdings)),
				Balances:  holdings.Balances,
				Staked:    holdings.Staked,
				FetchedAt: holdings.FetchedAt,
			}
			return s.emitSuccess(path, view, warnings, cacheStatus)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Aggregate one chain (requires --token)")
	cmd.Flags().StringVar(&tokenArg, "token", "", "Aggregate one token symbol or address (requires --chain)")
	cmd.Flags().StringVar(&kindsArg, "kinds", "", "Wallet kinds to include: eoa,safe,staked (default all)")
	return cmd
}

func parseKinds(input string) (balance.WalletKinds, []string, error) {
	kinds := balance.WalletKinds{}
	names := splitCSV(input)
	for _, name := range names {
		switch name {
		case "eoa":
			kinds.EOA = true
		case "safe":
			kinds.Safe = true
		case "staked":
			kinds.Staked = true
		default:
			return kinds, nil, clierr.New(clierr.CodeUsage, "--kinds accepts eoa, safe and staked")
		}
	}
	if len(names) == 0 {
		names = []string{"eoa", "safe", "staked"}
	}
	return kinds, names, nil
}

func totalRows(totals map[string]map[registry.Symbol]decimal.Decimal) []totalRow {
	rows := []totalRow{}
	for _, chain := range registry.Chains() {
		amounts, ok := totals[chain.Slug]
		if !ok {
			continue
		}
		for _, token := range registry.Tokens(chain.Slug) {
			if amount, ok := amounts[token.Symbol]; ok {
				rows = append(rows, totalRow{Chain: chain.Slug, Symbol: token.Symbol, Amount: amount})
			}
		}
	}
	return rows
}

// cachedHoldings serves a fresh snapshot from the cache, otherwise reads the
// source. When the read fails with a transient error, a stale snapshot within
// the --max-stale budget is served instead.
func (s *runtimeState) cachedHoldings(ctx context.Context, v *services) (model.Holdings, model.CacheStatus, []string, error) {
	key := s.holdingsKey()
	var stale *model.Holdings
	staleStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		lookup, err := s.cache.Get(ctx, key, s.settings.MaxStale)
		if err != nil {
			s.logger.Debug().Err(err).Msg("cache read failed")
		} else if lookup.Hit {
			var cached model.Holdings
			if err := json.Unmarshal(lookup.Value, &cached); err == nil {
				status := model.CacheStatus{Status: "hit", AgeMS: lookup.Age.Milliseconds(), Stale: lookup.Stale}
				if !lookup.Stale {
					return cached, status, nil, nil
				}
				if !lookup.TooStale {
					stale = &cached
					staleStatus = status
				}
			}
		}
	}

	start := time.Now()
	holdings, _, err := v.aggregator.Refresh(ctx)
	s.call("balances", start, err)
	if err != nil {
		if stale == nil || !clierr.IsRetryable(err) {
			return model.Holdings{}, model.CacheStatus{}, nil, err
		}
		if s.settings.NoStale {
			return model.Holdings{}, model.CacheStatus{}, nil, clierr.Wrap(clierr.CodeStale, "fresh balance read failed and stale fallback is disabled (--no-stale)", err)
		}
		return *stale, staleStatus, []string{"balance read failed; serving stale snapshot within max-stale budget"}, nil
	}

	status := cacheMetaBypass()
	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(holdings); err == nil {
			if err := s.cache.Set(ctx, key, payload, holdingsTTL); err == nil {
				status = model.CacheStatus{Status: "write"}
			}
		}
	}
	return holdings, status, nil, nil
}

func (s *runtimeState) holdingsKey() string {
	return cache.Key("holdings", s.settings.BackendURL, s.settings.ServiceConfigID, strconv.FormatBool(s.onchain))
}

type assessmentView struct {
	Requirements []model.FundingRequirement `json:"requirements"`
	Shortfalls   []model.RefillShortfall    `json:"shortfalls"`
	Funded       bool                       `json:"funded"`
	Status       *model.AgentFundingStatus  `json:"status,omitempty"`
	FetchedAt    time.Time                  `json:"fetched_at"`
}

func (s *runtimeState) newShortfallsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shortfalls",
		Short: "Compare fresh holdings against funding requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			a, err := v.funding.GetShortfalls(ctx)
			s.call("funding_requirements", start, err)
			if err != nil {
				return err
			}
			view := assessmentView{
				Requirements: a.Requirements,
				Shortfalls:   a.Shortfalls,
				Funded:       a.Funded,
				Status:       a.Holdings.Status,
				FetchedAt:    a.Holdings.FetchedAt,
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, s.lastWarnings, cacheMetaBypass())
		},
	}
}

func (s *runtimeState) newFundedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "funded",
		Short: "Report whether every funding requirement is met",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			a, err := v.funding.GetShortfalls(ctx)
			s.call("funding_requirements", start, err)
			if err != nil {
				return err
			}
			data := map[string]any{"funded": a.Funded, "shortfalls": a.Shortfalls}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, s.lastWarnings, cacheMetaBypass())
		},
	}
}
