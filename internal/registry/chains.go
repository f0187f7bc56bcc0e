package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain is a supported EVM chain as addressed by the backend.
type Chain struct {
	Name         string
	Slug         string
	EVMChainID   int64
	NativeSymbol Symbol
	ExplorerURL  string
	// SafeCreationThreshold is the native amount the master EOA needs before a
	// safe can be deployed on this chain. Zero means no safe is deployed there.
	SafeCreationThreshold decimal.Decimal
}

var chainBySlug = map[string]Chain{
	"ethereum": {
		Name: "Ethereum", Slug: "ethereum", EVMChainID: 1, NativeSymbol: SymbolETH,
		ExplorerURL: "https://etherscan.io",
	},
	"gnosis": {
		Name: "Gnosis", Slug: "gnosis", EVMChainID: 100, NativeSymbol: SymbolXDAI,
		ExplorerURL:           "https://gnosisscan.io",
		SafeCreationThreshold: decimal.RequireFromString("1.5"),
	},
	"base": {
		Name: "Base", Slug: "base", EVMChainID: 8453, NativeSymbol: SymbolETH,
		ExplorerURL:           "https://basescan.org",
		SafeCreationThreshold: decimal.RequireFromString("0.005"),
	},
	"mode": {
		Name: "Mode", Slug: "mode", EVMChainID: 34443, NativeSymbol: SymbolETH,
		ExplorerURL:           "https://explorer.mode.network",
		SafeCreationThreshold: decimal.RequireFromString("0.0005"),
	},
	"optimism": {
		Name: "Optimism", Slug: "optimism", EVMChainID: 10, NativeSymbol: SymbolETH,
		ExplorerURL:           "https://optimistic.etherscan.io",
		SafeCreationThreshold: decimal.RequireFromString("0.005"),
	},
	"polygon": {
		Name: "Polygon", Slug: "polygon", EVMChainID: 137, NativeSymbol: SymbolPOL,
		ExplorerURL: "https://polygonscan.com",
	},
}

var chainAliases = map[string]string{
	"mainnet":  "ethereum",
	"xdai":     "gnosis",
	"op":       "optimism",
	"matic":    "polygon",
	"mode-net": "mode",
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

func ChainBySlug(slug string) (Chain, bool) {
	key := strings.ToLower(strings.TrimSpace(slug))
	if alias, ok := chainAliases[key]; ok {
		key = alias
	}
	chain, ok := chainBySlug[key]
	return chain, ok
}

func ChainByID(chainID int64) (Chain, bool) {
	chain, ok := chainByID[chainID]
	return chain, ok
}

// Chains returns every supported chain ordered by EVM chain id.
func Chains() []Chain {
	out := make([]Chain, 0, len(chainBySlug))
	for _, chain := range chainBySlug {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EVMChainID < out[j].EVMChainID })
	return out
}

// TxURL links a transaction hash to the chain's block explorer.
func TxURL(slug, txHash string) string {
	chain, ok := ChainBySlug(slug)
	if !ok || strings.TrimSpace(txHash) == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", chain.ExplorerURL, strings.TrimSpace(txHash))
}
