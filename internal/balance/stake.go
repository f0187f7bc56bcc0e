package balance

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	tokenUtilityABI    = mustABI(registry.ServiceRegistryTokenUtilityABI)
	serviceRegistryABI = mustABI(registry.ServiceRegistryL2ABI)
)

// StakeReader reads the OLAS an operator has locked in a service.
type StakeReader struct {
	readers   map[string]ChainReader
	overrides map[int64]registry.StakingContracts
}

func NewStakeReader(readers map[string]ChainReader, overrides map[int64]registry.StakingContracts) *StakeReader {
	return &StakeReader{readers: readers, overrides: overrides}
}

func (r *StakeReader) contracts(chain registry.Chain) (registry.StakingContracts, bool) {
	if c, ok := r.overrides[chain.EVMChainID]; ok && c.ServiceRegistry != "" && c.ServiceRegistryTokenUtility != "" {
		return c, true
	}
	return registry.Staking(chain.EVMChainID)
}

// Read returns the bond and deposit after the service state correction.
func (r *StakeReader) Read(ctx context.Context, chainSlug string, serviceID int64, operator string) (model.StakedPosition, error) {
	chain, ok := registry.ChainBySlug(chainSlug)
	if !ok {
		return model.StakedPosition{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", chainSlug))
	}
	reader, ok := r.readers[chain.Slug]
	if !ok {
		return model.StakedPosition{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("no rpc reader for chain %s", chain.Slug))
	}
	contracts, ok := r.contracts(chain)
	if !ok {
		return model.StakedPosition{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no staking contracts known for chain %s", chain.Slug))
	}
	olas, err := registry.Token(chain.Slug, registry.SymbolOLAS)
	if err != nil {
		return model.StakedPosition{}, err
	}

	sid := big.NewInt(serviceID)
	utility := common.HexToAddress(contracts.ServiceRegistryTokenUtility)
	serviceRegistry := common.HexToAddress(contracts.ServiceRegistry)

	bondOut, err := call(ctx, reader, tokenUtilityABI, utility, "getOperatorBalance", common.HexToAddress(operator), sid)
	if err != nil {
		return model.StakedPosition{}, err
	}
	depositOut, err := call(ctx, reader, tokenUtilityABI, utility, "mapServiceIdTokenDeposit", sid)
	if err != nil {
		return model.StakedPosition{}, err
	}
	serviceOut, err := call(ctx, reader, serviceRegistryABI, serviceRegistry, "mapServices", sid)
	if err != nil {
		return model.StakedPosition{}, err
	}

	bond, err := bigAt(bondOut, 0)
	if err != nil {
		return model.StakedPosition{}, err
	}
	deposit, err := bigAt(depositOut, 1)
	if err != nil {
		return model.StakedPosition{}, err
	}
	if len(serviceOut) < 7 {
		return model.StakedPosition{}, clierr.New(clierr.CodeUnavailable, "decode mapServices: short output")
	}
	state, ok := serviceOut[6].(uint8)
	if !ok {
		return model.StakedPosition{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("decode mapServices: unexpected state type %T", serviceOut[6]))
	}

	bondHuman, _ := id.FromBaseUnits(bond.String(), olas.Decimals)
	depositHuman, _ := id.FromBaseUnits(deposit.String(), olas.Decimals)
	position := model.StakedPosition{
		Chain:        chain.Slug,
		ServiceID:    serviceID,
		Operator:     common.HexToAddress(operator).Hex(),
		Bond:         bondHuman,
		Deposit:      depositHuman,
		ServiceState: model.ServiceState(state),
	}
	return CorrectForServiceState(position), nil
}

// CorrectForServiceState zeroes the amounts the registry has not actually
// locked yet (or has already released) in the service's current state.
func CorrectForServiceState(p model.StakedPosition) model.StakedPosition {
	switch p.ServiceState {
	case model.ServiceStateNonExistent, model.ServiceStatePreRegistration:
		p.Bond = decimal.Zero
		p.Deposit = decimal.Zero
	case model.ServiceStateActiveRegistration:
		p.Bond = decimal.Zero
	case model.ServiceStateFinishedRegistration, model.ServiceStateDeployed:
	case model.ServiceStateTerminatedBonded:
		p.Deposit = decimal.Zero
	}
	return p
}

func call(ctx context.Context, reader ChainReader, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
	}
	raw, err := reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "call "+method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	return out, nil
}

func bigAt(values []any, index int) (*big.Int, error) {
	if len(values) <= index {
		return nil, clierr.New(clierr.CodeUnavailable, "short contract output")
	}
	v, ok := values[index].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("unexpected contract output type %T", values[index]))
	}
	return v, nil
}

type serviceResponse struct {
	HomeChain    string `json:"home_chain"`
	ChainConfigs map[string]struct {
		ChainData struct {
			Token    int64  `json:"token"`
			Multisig string `json:"multisig"`
		} `json:"chain_data"`
	} `json:"chain_configs"`
}

// StakeSource reads staked positions for every chain a service is minted on,
// with the master safe on that chain as operator.
type StakeSource struct {
	reader          *StakeReader
	http            *httpx.Client
	baseURL         string
	serviceConfigID string
	wallets         WalletLister
	logger          zerolog.Logger
}

func NewStakeSource(reader *StakeReader, client *httpx.Client, baseURL, serviceConfigID string, wallets WalletLister, logger zerolog.Logger) *StakeSource {
	return &StakeSource{reader: reader, http: client, baseURL: baseURL, serviceConfigID: serviceConfigID, wallets: wallets, logger: logger}
}

func (s *StakeSource) Fetch(ctx context.Context) (model.Holdings, error) {
	if strings.TrimSpace(s.serviceConfigID) == "" {
		return model.Holdings{}, clierr.New(clierr.CodeUsage, "service config id is required (--service)")
	}
	wallet, err := MasterWalletOf(ctx, s.wallets)
	if err != nil {
		return model.Holdings{}, err
	}
	var svc serviceResponse
	if err := s.http.GetJSON(ctx, registry.JoinURL(s.baseURL, registry.ServicePath(s.serviceConfigID)), &svc); err != nil {
		return model.Holdings{}, err
	}

	staked := []model.StakedPosition{}
	for _, chain := range registry.Chains() {
		cfg, ok := svc.ChainConfigs[chain.Slug]
		if !ok || cfg.ChainData.Token <= 0 {
			continue
		}
		operator := wallet.Safes[chain.Slug]
		if operator == "" {
			s.logger.Debug().Str("chain", chain.Slug).Msg("service minted but no master safe; skipping stake read")
			continue
		}
		if _, ok := s.reader.readers[chain.Slug]; !ok {
			continue
		}
		position, err := s.reader.Read(ctx, chain.Slug, cfg.ChainData.Token, operator)
		if err != nil {
			return model.Holdings{}, err
		}
		staked = append(staked, position)
	}
	return model.Holdings{Staked: staked, FetchedAt: time.Now().UTC()}, nil
}
