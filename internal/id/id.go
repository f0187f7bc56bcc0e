package id

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/registry"
)

// ParseChain accepts a chain name, backend slug or numeric EVM chain id.
func ParseChain(input string) (registry.Chain, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return registry.Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := registry.ChainBySlug(norm); ok {
		return chain, nil
	}
	norm = strings.TrimPrefix(norm, "eip155:")
	if n, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := registry.ChainByID(n); ok {
			return chain, nil
		}
		return registry.Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain id %d", n))
	}
	return registry.Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", input))
}

// ParseToken resolves a symbol or token address on a chain.
func ParseToken(input string, chain registry.Chain) (registry.TokenConfig, error) {
	norm := strings.TrimSpace(input)
	if norm == "" {
		return registry.TokenConfig{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	if common.IsHexAddress(norm) {
		token, ok := registry.TokenByAddress(chain.Slug, norm)
		if !ok {
			return registry.TokenConfig{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not supported on chain %s", norm, chain.Slug))
		}
		return token, nil
	}
	return registry.Token(chain.Slug, registry.Symbol(norm))
}

// ParseAddress validates an EVM address and returns its checksummed form.
func ParseAddress(input, field string) (string, error) {
	norm := strings.TrimSpace(input)
	if !common.IsHexAddress(norm) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be an EVM hex address", field))
	}
	return common.HexToAddress(norm).Hex(), nil
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
