// Package balance reads wallet and staking holdings and aggregates them into
// the per chain/token amounts funding decisions are made on.
package balance

import (
	"context"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/model"
	"golang.org/x/sync/errgroup"
)

// Source produces one raw holdings read.
type Source interface {
	Fetch(ctx context.Context) (model.Holdings, error)
}

// WalletLister lists the operator's master wallets.
type WalletLister interface {
	Wallets(ctx context.Context) ([]model.MasterWallet, error)
}

// Sources fetches every member concurrently and merges the reads. Balances and
// staked positions are concatenated; requirements and status come from the
// first member that reports them. Any member error fails the whole read.
type Sources []Source

func (s Sources) Fetch(ctx context.Context) (model.Holdings, error) {
	reads := make([]model.Holdings, len(s))
	group, gctx := errgroup.WithContext(ctx)
	for i, src := range s {
		i, src := i, src
		group.Go(func() error {
			h, err := src.Fetch(gctx)
			if err != nil {
				return err
			}
			reads[i] = h
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return model.Holdings{}, err
	}

	merged := model.Holdings{Balances: []model.WalletBalance{}}
	for _, h := range reads {
		merged.Balances = append(merged.Balances, h.Balances...)
		merged.Staked = append(merged.Staked, h.Staked...)
		if merged.Requirements == nil && h.Requirements != nil {
			merged.Requirements = h.Requirements
		}
		if merged.Status == nil && h.Status != nil {
			merged.Status = h.Status
		}
		if h.FetchedAt.After(merged.FetchedAt) {
			merged.FetchedAt = h.FetchedAt
		}
	}
	if merged.FetchedAt.IsZero() {
		merged.FetchedAt = time.Now().UTC()
	}
	return merged, nil
}
