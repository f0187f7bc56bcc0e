package registry

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
)

type Symbol string

const (
	SymbolETH   Symbol = "ETH"
	SymbolXDAI  Symbol = "XDAI"
	SymbolPOL   Symbol = "POL"
	SymbolOLAS  Symbol = "OLAS"
	SymbolUSDC  Symbol = "USDC"
	SymbolUSDCe Symbol = "USDC.e"
	SymbolWXDAI Symbol = "WXDAI"
)

type TokenType string

const (
	TokenTypeNativeGas TokenType = "native"
	TokenTypeErc20     TokenType = "erc20"
	TokenTypeWrapped   TokenType = "wrapped"
)

// NativeTokenAddress is how the backend keys native balances.
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

type TokenConfig struct {
	Symbol   Symbol    `json:"symbol"`
	Address  string    `json:"address,omitempty"`
	Type     TokenType `json:"type"`
	Decimals int       `json:"decimals"`
}

func (t TokenConfig) IsNative() bool { return t.Type == TokenTypeNativeGas }

// WireAddress is the address used for this token in backend payloads.
func (t TokenConfig) WireAddress() string {
	if t.IsNative() {
		return NativeTokenAddress
	}
	return t.Address
}

func native(symbol Symbol) TokenConfig {
	return TokenConfig{Symbol: symbol, Type: TokenTypeNativeGas, Decimals: 18}
}

func erc20(symbol Symbol, address string, decimals int) TokenConfig {
	return TokenConfig{Symbol: symbol, Address: address, Type: TokenTypeErc20, Decimals: decimals}
}

var tokensByChain = map[string][]TokenConfig{
	"ethereum": {
		native(SymbolETH),
		erc20(SymbolOLAS, "0x0001A500A6B18995B03f44bb040A5fFc28E45CB0", 18),
		erc20(SymbolUSDC, "0xA0b86991c6218b36c1d19D4a2e9EB0CE3606eB48", 6),
	},
	"gnosis": {
		native(SymbolXDAI),
		erc20(SymbolOLAS, "0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f", 18),
		{Symbol: SymbolWXDAI, Address: "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d", Type: TokenTypeWrapped, Decimals: 18},
		erc20(SymbolUSDCe, "0x2a22f9c3b484c3629090FeED35F17Ff8F88f76F0", 6),
	},
	"base": {
		native(SymbolETH),
		erc20(SymbolOLAS, "0x54330d28ca3357F294334BDC454a032e7f353416", 18),
		erc20(SymbolUSDC, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6),
	},
	"mode": {
		native(SymbolETH),
		erc20(SymbolOLAS, "0xcfD1D50ce23C46D3Cf6407487B2F8934e96DC8f9", 18),
		erc20(SymbolUSDC, "0xd988097fb8612cc24eeC14542bC03424c656005f", 6),
	},
	"optimism": {
		native(SymbolETH),
		erc20(SymbolOLAS, "0xFC2E6e6BCbd49ccf3A5f029c79984372DcBFE527", 18),
		erc20(SymbolUSDC, "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", 6),
	},
	"polygon": {
		native(SymbolPOL),
		erc20(SymbolOLAS, "0xFEF5d947472e72Efbb2E388c730B7428406F2F95", 18),
		erc20(SymbolUSDC, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", 6),
		erc20(SymbolUSDCe, "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", 6),
	},
}

// Tokens lists the tokens supported on a chain, native first.
func Tokens(slug string) []TokenConfig {
	chain, ok := ChainBySlug(slug)
	if !ok {
		return nil
	}
	out := make([]TokenConfig, len(tokensByChain[chain.Slug]))
	copy(out, tokensByChain[chain.Slug])
	return out
}

// Token resolves a symbol on a chain. Unknown chain/token pairs fail with
// CodeUnsupported.
func Token(slug string, symbol Symbol) (TokenConfig, error) {
	chain, ok := ChainBySlug(slug)
	if !ok {
		return TokenConfig{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", slug))
	}
	for _, token := range tokensByChain[chain.Slug] {
		if strings.EqualFold(string(token.Symbol), string(symbol)) {
			return token, nil
		}
	}
	return TokenConfig{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not supported on chain %s", symbol, chain.Slug))
}

func NativeToken(slug string) (TokenConfig, error) {
	chain, ok := ChainBySlug(slug)
	if !ok {
		return TokenConfig{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", slug))
	}
	return Token(chain.Slug, chain.NativeSymbol)
}

// TokenByAddress maps a backend token key back to its config. The zero address
// resolves to the chain's native token.
func TokenByAddress(slug, address string) (TokenConfig, bool) {
	chain, ok := ChainBySlug(slug)
	if !ok {
		return TokenConfig{}, false
	}
	address = strings.TrimSpace(address)
	for _, token := range tokensByChain[chain.Slug] {
		if token.IsNative() && strings.EqualFold(address, NativeTokenAddress) {
			return token, true
		}
		if !token.IsNative() && strings.EqualFold(address, token.Address) {
			return token, true
		}
	}
	return TokenConfig{}, false
}
