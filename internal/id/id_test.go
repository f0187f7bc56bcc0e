package id

import (
	"testing"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/registry"
)

func TestParseChainVariants(t *testing.T) {
	chain, err := ParseChain("Gnosis")
	if err != nil {
		t.Fatalf("ParseChain(Gnosis) failed: %v", err)
	}
	if chain.EVMChainID != 100 {
		t.Fatalf("unexpected chain id: %d", chain.EVMChainID)
	}

	chain, err = ParseChain("8453")
	if err != nil {
		t.Fatalf("ParseChain(8453) failed: %v", err)
	}
	if chain.Slug != "base" {
		t.Fatalf("unexpected slug: %s", chain.Slug)
	}

	chain, err = ParseChain("eip155:34443")
	if err != nil || chain.Slug != "mode" {
		t.Fatalf("ParseChain(eip155:34443) = %+v, %v", chain, err)
	}

	if _, err := ParseChain("999999"); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported chain id, got %v", err)
	}
	if _, err := ParseChain(""); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for empty chain, got %v", err)
	}
}

func TestParseTokenSymbolAndAddress(t *testing.T) {
	chain, _ := ParseChain("optimism")
	token, err := ParseToken("usdc", chain)
	if err != nil {
		t.Fatalf("ParseToken(usdc) failed: %v", err)
	}
	if token.Decimals != 6 {
		t.Fatalf("unexpected decimals: %d", token.Decimals)
	}
	token, err = ParseToken(registry.NativeTokenAddress, chain)
	if err != nil || token.Symbol != registry.SymbolETH {
		t.Fatalf("expected native ETH from zero address, got %+v err=%v", token, err)
	}
	if _, err := ParseToken("0x000000000000000000000000000000000000dEaD", chain); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported unknown address, got %v", err)
	}
}

func TestParseAddressChecksums(t *testing.T) {
	got, err := ParseAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "--owner")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if got != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
		t.Fatalf("unexpected checksum address: %s", got)
	}
	if _, err := ParseAddress("0x123", "--owner"); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if !SameAddress("0xabc0000000000000000000000000000000000001", "0xABC0000000000000000000000000000000000001") {
		t.Fatal("expected case-insensitive address match")
	}
}
