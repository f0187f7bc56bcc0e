package refill

import (
	"fmt"
	"sort"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
)

// Source is the wallet bridged funds are paid from.
type Source struct {
	Chain   registry.Chain
	Address string
}

// BuildBridgeRequests produces one request per shortfall, ordered by chain id
// then symbol. Native shortfalls are paid in the source chain's native token,
// every other token in the same symbol on the source chain. destinations maps
// chain slug to the receiving wallet.
func BuildBridgeRequests(shortfalls []model.RefillShortfall, source Source, destinations map[string]string) ([]model.BridgeRequest, error) {
	if _, err := id.ParseAddress(source.Address, "source address"); err != nil {
		return nil, err
	}
	ordered := append([]model.RefillShortfall(nil), shortfalls...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, _ := registry.ChainBySlug(ordered[i].Chain)
		cj, _ := registry.ChainBySlug(ordered[j].Chain)
		if ci.EVMChainID != cj.EVMChainID {
			return ci.EVMChainID < cj.EVMChainID
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	out := make([]model.BridgeRequest, 0, len(ordered))
	for _, shortfall := range ordered {
		if !shortfall.MissingAmount.IsPositive() {
			continue
		}
		if shortfall.Chain == source.Chain.Slug {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("cannot bridge %s from %s to itself", shortfall.Symbol, shortfall.Chain))
		}
		destToken, err := registry.Token(shortfall.Chain, shortfall.Symbol)
		if err != nil {
			return nil, err
		}
		var srcToken registry.TokenConfig
		if destToken.IsNative() {
			srcToken, err = registry.NativeToken(source.Chain.Slug)
		} else {
			srcToken, err = registry.Token(source.Chain.Slug, shortfall.Symbol)
		}
		if err != nil {
			return nil, err
		}
		dest, ok := destinations[shortfall.Chain]
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("no destination wallet for chain %s", shortfall.Chain))
		}
		destAddr, err := id.ParseAddress(dest, "destination address")
		if err != nil {
			return nil, err
		}

		out = append(out, model.BridgeRequest{
			From: model.BridgeEndpoint{
				Chain:   source.Chain.Slug,
				Address: source.Address,
				Token:   srcToken.WireAddress(),
			},
			To: model.BridgeEndpoint{
				Chain:   shortfall.Chain,
				Address: destAddr,
				Token:   destToken.WireAddress(),
				Amount:  id.CeilBaseUnits(shortfall.MissingAmount, destToken.Decimals),
			},
		})
	}
	return out, nil
}
