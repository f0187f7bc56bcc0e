package balance

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/refill"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BackendSource reads balances and requirements from the backend's funding
// requirements endpoint for one service.
type BackendSource struct {
	http            *httpx.Client
	baseURL         string
	serviceConfigID string
	wallets         WalletLister
	logger          zerolog.Logger
	now             func() time.Time
}

func NewBackendSource(client *httpx.Client, baseURL, serviceConfigID string, wallets WalletLister, logger zerolog.Logger) *BackendSource {
	return &BackendSource{
		http:            client,
		baseURL:         baseURL,
		serviceConfigID: serviceConfigID,
		wallets:         wallets,
		logger:          logger,
		now:             time.Now,
	}
}

// baseUnits accepts an integer amount encoded either as a JSON string or a
// JSON number.
type baseUnits string

func (b *baseUnits) UnmarshalJSON(buf []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(buf)), `"`)
	if raw == "" || raw == "null" {
		*b = "0"
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*b = baseUnits(d.Truncate(0).BigInt().String())
	return nil
}

type wireAmounts map[string]map[string]map[string]baseUnits

func (w wireAmounts) plain() refill.WireAmounts {
	out := refill.WireAmounts{}
	for chain, holders := range w {
		out[chain] = map[string]map[string]string{}
		for holder, tokens := range holders {
			out[chain][holder] = map[string]string{}
			for token, amount := range tokens {
				out[chain][holder][token] = string(amount)
			}
		}
	}
	return out
}

type fundingRequirementsResponse struct {
	Balances                     wireAmounts `json:"balances"`
	TotalRequirements            wireAmounts `json:"total_requirements"`
	RefillRequirements           wireAmounts `json:"refill_requirements"`
	IsRefillRequired             bool        `json:"is_refill_required"`
	AllowStartAgent              bool        `json:"allow_start_agent"`
	AgentFundingInProgress       bool        `json:"agent_funding_in_progress"`
	AgentFundingRequestsCooldown bool        `json:"agent_funding_requests_cooldown"`
}

func (s *BackendSource) Fetch(ctx context.Context) (model.Holdings, error) {
	if strings.TrimSpace(s.serviceConfigID) == "" {
		return model.Holdings{}, clierr.New(clierr.CodeUsage, "service config id is required (--service)")
	}
	wallet, err := MasterWalletOf(ctx, s.wallets)
	if err != nil {
		return model.Holdings{}, err
	}

	var resp fundingRequirementsResponse
	url := registry.JoinURL(s.baseURL, registry.FundingRequirementsPath(s.serviceConfigID))
	if err := s.http.GetJSON(ctx, url, &resp); err != nil {
		return model.Holdings{}, err
	}

	balances, err := s.classify(resp.Balances, wallet)
	if err != nil {
		return model.Holdings{}, err
	}
	requirements, err := refill.RequirementsFromTotals(resp.TotalRequirements.plain(), wallet)
	if err != nil {
		return model.Holdings{}, err
	}

	return model.Holdings{
		Balances:     balances,
		Requirements: requirements,
		Status: &model.AgentFundingStatus{
			IsRefillRequired:             resp.IsRefillRequired,
			AllowStartAgent:              resp.AllowStartAgent,
			AgentFundingInProgress:       resp.AgentFundingInProgress,
			AgentFundingRequestsCooldown: resp.AgentFundingRequestsCooldown,
		},
		FetchedAt: s.now().UTC(),
	}, nil
}

// classify keeps the balances held by the master EOA and master safes. Agent
// instance wallets also appear in the response and are ignored.
func (s *BackendSource) classify(raw wireAmounts, wallet model.MasterWallet) ([]model.WalletBalance, error) {
	out := []model.WalletBalance{}
	for _, chain := range registry.Chains() {
		holders, ok := raw[chain.Slug]
		if !ok {
			continue
		}
		for holder, tokens := range holders {
			var kind model.WalletKind
			switch {
			case id.SameAddress(holder, wallet.Address):
				kind = model.WalletKindEOA
			case id.SameAddress(holder, wallet.Safes[chain.Slug]):
				kind = model.WalletKindSafe
			default:
				s.logger.Debug().Str("chain", chain.Slug).Str("holder", holder).Msg("skipping non-master balance holder")
				continue
			}
			for tokenAddr, amount := range tokens {
				token, ok := registry.TokenByAddress(chain.Slug, tokenAddr)
				if !ok {
					continue
				}
				human, err := id.FromBaseUnits(string(amount), token.Decimals)
				if err != nil {
					return nil, err
				}
				out = append(out, model.WalletBalance{
					WalletAddress: holder,
					WalletKind:    kind,
					Chain:         chain.Slug,
					Symbol:        token.Symbol,
					IsNative:      token.IsNative(),
					Amount:        human,
				})
			}
		}
	}
	sortBalances(out)
	return out, nil
}

// MasterWalletOf returns the first EOA master wallet the backend reports.
func MasterWalletOf(ctx context.Context, lister WalletLister) (model.MasterWallet, error) {
	wallets, err := lister.Wallets(ctx)
	if err != nil {
		return model.MasterWallet{}, err
	}
	for _, w := range wallets {
		if strings.TrimSpace(w.Address) != "" {
			if w.Safes == nil {
				w.Safes = map[string]string{}
			}
			return w, nil
		}
	}
	return model.MasterWallet{}, clierr.New(clierr.CodeUsage, "backend reports no master wallet")
}
