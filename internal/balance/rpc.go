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
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
)

// ChainReader is the subset of an RPC client balance reads need.
// *ethclient.Client satisfies it.
type ChainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var erc20ABI = mustABI(registry.ERC20BalanceABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DialReaders connects one RPC client per chain slug. The returned close func
// releases all of them.
func DialReaders(ctx context.Context, chains []string, overrides map[int64]string) (map[string]ChainReader, func(), error) {
	readers := map[string]ChainReader{}
	clients := []*ethclient.Client{}
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, slug := range chains {
		chain, ok := registry.ChainBySlug(slug)
		if !ok {
			closeAll()
			return nil, nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", slug))
		}
		rpcURL, err := registry.ResolveRPCURL(overrides[chain.EVMChainID], chain.EVMChainID)
		if err != nil {
			closeAll()
			return nil, nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			closeAll()
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect %s rpc", chain.Slug), err)
		}
		clients = append(clients, client)
		readers[chain.Slug] = client
	}
	return readers, closeAll, nil
}

type holder struct {
	address string
	kind    model.WalletKind
}

// RPCSource reads balances straight from chain nodes. The EOA is read on
// every chain, each safe only on its own chain.
type RPCSource struct {
	readers map[string]ChainReader
	wallets WalletLister
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRPCSource(readers map[string]ChainReader, wallets WalletLister, logger zerolog.Logger) *RPCSource {
	return &RPCSource{readers: readers, wallets: wallets, logger: logger, now: time.Now}
}

func (s *RPCSource) Fetch(ctx context.Context) (model.Holdings, error) {
	wallet, err := MasterWalletOf(ctx, s.wallets)
	if err != nil {
		return model.Holdings{}, err
	}
	out := []model.WalletBalance{}
	for _, chain := range registry.Chains() {
		reader, ok := s.readers[chain.Slug]
		if !ok {
			continue
		}
		holders := []holder{{wallet.Address, model.WalletKindEOA}}
		if safe := wallet.Safes[chain.Slug]; safe != "" {
			holders = append(holders, holder{safe, model.WalletKindSafe})
		}
		for _, holder := range holders {
			for _, token := range registry.Tokens(chain.Slug) {
				amount, err := readTokenBalance(ctx, reader, token, common.HexToAddress(holder.address))
				if err != nil {
					return model.Holdings{}, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s balance on %s", token.Symbol, chain.Slug), err)
				}
				human, err := id.FromBaseUnits(amount.String(), token.Decimals)
				if err != nil {
					return model.Holdings{}, err
				}
				out = append(out, model.WalletBalance{
					WalletAddress: common.HexToAddress(holder.address).Hex(),
					WalletKind:    holder.kind,
					Chain:         chain.Slug,
					Symbol:        token.Symbol,
					IsNative:      token.IsNative(),
					Amount:        human,
				})
			}
		}
		s.logger.Debug().Str("chain", chain.Slug).Int("holders", len(holders)).Msg("read chain balances")
	}
	sortBalances(out)
	return model.Holdings{Balances: out, FetchedAt: s.now().UTC()}, nil
}

func readTokenBalance(ctx context.Context, reader ChainReader, token registry.TokenConfig, holder common.Address) (*big.Int, error) {
	if token.IsNative() {
		return reader.BalanceAt(ctx, holder, nil)
	}
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token.Address)
	raw, err := reader.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("decode balanceOf: %v", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", values[0])
	}
	return balance, nil
}
