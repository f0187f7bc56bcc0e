// Package refill turns funding requirements and aggregated balances into
// shortfalls and the bridge requests that would close them.
package refill

import (
	"fmt"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/shopspring/decimal"
)

// Balances holds aggregated human-unit balances by chain slug and symbol.
type Balances map[string]map[registry.Symbol]decimal.Decimal

func (b Balances) Get(chain string, symbol registry.Symbol) decimal.Decimal {
	if b == nil || b[chain] == nil {
		return decimal.Zero
	}
	return b[chain][symbol]
}

func (b Balances) Set(chain string, symbol registry.Symbol, amount decimal.Decimal) {
	if b[chain] == nil {
		b[chain] = map[registry.Symbol]decimal.Decimal{}
	}
	b[chain][symbol] = amount
}

// ComputeShortfalls returns, in requirement order, every pair whose balance is
// below its requirement. Zero requirements never produce a shortfall.
func ComputeShortfalls(requirements []model.FundingRequirement, balances Balances) ([]model.RefillShortfall, error) {
	out := make([]model.RefillShortfall, 0, len(requirements))
	for _, req := range requirements {
		if req.RequiredAmount.IsNegative() {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("requirement for %s %s is negative", req.Chain, req.Symbol))
		}
		token, err := registry.Token(req.Chain, req.Symbol)
		if err != nil {
			return nil, err
		}
		if req.RequiredAmount.IsZero() {
			continue
		}
		chain, _ := registry.ChainBySlug(req.Chain)
		missing := req.RequiredAmount.Sub(balances.Get(chain.Slug, token.Symbol))
		if !missing.IsPositive() {
			continue
		}
		out = append(out, model.RefillShortfall{Chain: chain.Slug, Symbol: token.Symbol, MissingAmount: missing})
	}
	return out, nil
}

func IsSufficientlyFunded(shortfalls []model.RefillShortfall) bool {
	return len(shortfalls) == 0
}
