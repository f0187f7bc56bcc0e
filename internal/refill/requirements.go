package refill

import (
	"sort"
	"strings"

	"github.com/ggonzalez94/agent-funding/internal/config"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/shopspring/decimal"
)

// MasterSafePlaceholder is the holder key the backend uses for a master safe
// that does not exist yet.
const MasterSafePlaceholder = "master_safe"

// WireAmounts is the backend's requirement layout: chain -> holder -> token
// address -> base units.
type WireAmounts map[string]map[string]map[string]string

// BuildRequirements derives a chain's requirements from static agent
// configuration. The safe creation threshold only applies while no safe
// exists on the chain.
func BuildRequirements(chain registry.Chain, agent config.AgentRequirements, safeExists bool) ([]model.FundingRequirement, error) {
	nativeToken, err := registry.NativeToken(chain.Slug)
	if err != nil {
		return nil, err
	}
	totals := map[registry.Symbol]decimal.Decimal{}
	add := func(symbol registry.Symbol, amount decimal.Decimal) {
		totals[symbol] = totals[symbol].Add(amount)
	}

	add(nativeToken.Symbol, agent.MonthlyGas)
	if !safeExists {
		add(nativeToken.Symbol, chain.SafeCreationThreshold)
	}
	add(registry.SymbolOLAS, agent.StakingMinimum)
	for symbol, amount := range agent.Extras {
		token, err := registry.Token(chain.Slug, symbol)
		if err != nil {
			return nil, err
		}
		add(token.Symbol, amount)
	}

	symbols := make([]registry.Symbol, 0, len(totals))
	for symbol, amount := range totals {
		if amount.IsPositive() {
			symbols = append(symbols, symbol)
		}
	}
	sortSymbols(chain.Slug, symbols)

	out := make([]model.FundingRequirement, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, model.FundingRequirement{Chain: chain.Slug, Symbol: symbol, RequiredAmount: totals[symbol]})
	}
	return out, nil
}

// RequirementsFromTotals sums the backend totals held by the master EOA and
// the master safe (or its placeholder) into per chain/token requirements.
// Chains and tokens the registry does not know are skipped.
func RequirementsFromTotals(totals WireAmounts, wallet model.MasterWallet) ([]model.FundingRequirement, error) {
	sums := map[string]map[registry.Symbol]decimal.Decimal{}
	for chainSlug, holders := range totals {
		chain, ok := registry.ChainBySlug(chainSlug)
		if !ok {
			continue
		}
		for holder, tokens := range holders {
			if !isMasterHolder(holder, chain.Slug, wallet) {
				continue
			}
			for tokenAddr, raw := range tokens {
				token, ok := registry.TokenByAddress(chain.Slug, tokenAddr)
				if !ok {
					continue
				}
				amount, err := id.FromBaseUnits(raw, token.Decimals)
				if err != nil {
					return nil, err
				}
				if sums[chain.Slug] == nil {
					sums[chain.Slug] = map[registry.Symbol]decimal.Decimal{}
				}
				sums[chain.Slug][token.Symbol] = sums[chain.Slug][token.Symbol].Add(amount)
			}
		}
	}

	out := []model.FundingRequirement{}
	for _, chain := range registry.Chains() {
		bySymbol := sums[chain.Slug]
		if len(bySymbol) == 0 {
			continue
		}
		symbols := make([]registry.Symbol, 0, len(bySymbol))
		for symbol, amount := range bySymbol {
			if amount.IsPositive() {
				symbols = append(symbols, symbol)
			}
		}
		sortSymbols(chain.Slug, symbols)
		for _, symbol := range symbols {
			out = append(out, model.FundingRequirement{Chain: chain.Slug, Symbol: symbol, RequiredAmount: bySymbol[symbol]})
		}
	}
	return out, nil
}

func isMasterHolder(holder, chain string, wallet model.MasterWallet) bool {
	if strings.EqualFold(holder, MasterSafePlaceholder) {
		return true
	}
	if id.SameAddress(holder, wallet.Address) {
		return true
	}
	return id.SameAddress(holder, wallet.Safes[chain])
}

// sortSymbols orders symbols by their position in the chain's token list.
func sortSymbols(chain string, symbols []registry.Symbol) {
	rank := map[registry.Symbol]int{}
	for i, token := range registry.Tokens(chain) {
		rank[token.Symbol] = i
	}
	sort.SliceStable(symbols, func(i, j int) bool {
		ri, okI := rank[symbols[i]]
		rj, okJ := rank[symbols[j]]
		if okI != okJ {
			return okI
		}
		if ri != rj {
			return ri < rj
		}
		return symbols[i] < symbols[j]
	})
}
