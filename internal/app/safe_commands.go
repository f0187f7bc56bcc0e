package app

import (
	"context"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/spf13/cobra"
)

type safeView struct {
	Chain       string           `json:"chain"`
	SafeAddress string           `json:"safe_address,omitempty"`
	Memory      model.SafeMemory `json:"memory"`
	Pending     []string         `json:"pending"`
}

func (s *runtimeState) newSafeCommand() *cobra.Command {
	root := &cobra.Command{Use: "safe", Short: "Create and inspect per-chain master safes"}

	var ensureChain, ensureBackupOwner string
	var ensureTokens []string
	var ensureYes bool
	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the master safe on a chain if needed and move tokens into it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !ensureYes {
				return clierr.New(clierr.CodeUsage, "safe ensure requires --yes")
			}
			v, err := s.services(cmd.Context(), serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			outcome, err := v.funding.EnsureSafeAndTransfer(cmd.Context(), ensureChain, ensureBackupOwner, ensureTokens)
			if outcome.BackendCalled || err != nil {
				s.call("wallet_safe", start, err)
			}
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), outcome, s.lastWarnings, cacheMetaBypass())
		},
	}
	ensureCmd.Flags().StringVar(&ensureChain, "chain", "", "Chain name, slug or id")
	ensureCmd.Flags().StringVar(&ensureBackupOwner, "backup-owner", "", "Backup owner address (defaults to configured backup_owner)")
	ensureCmd.Flags().StringArrayVar(&ensureTokens, "token", nil, "Token to transfer into the safe (repeatable)")
	ensureCmd.Flags().BoolVar(&ensureYes, "yes", false, "Confirm safe creation and transfers")
	_ = ensureCmd.MarkFlagRequired("chain")

	var ownerChain, ownerAddress string
	var ownerYes bool
	ownerCmd := &cobra.Command{
		Use:   "backup-owner",
		Short: "Replace the backup owner of an existing master safe",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !ownerYes {
				return clierr.New(clierr.CodeUsage, "safe backup-owner requires --yes")
			}
			chain, err := id.ParseChain(ownerChain)
			if err != nil {
				return err
			}
			owner, err := id.ParseAddress(ownerAddress, "--address")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			start := time.Now()
			err = v.wallets.UpdateBackupOwner(ctx, chain.Slug, owner)
			s.call("wallet_safe", start, err)
			if err != nil {
				return err
			}
			data := map[string]string{"chain": chain.Slug, "backup_owner": owner}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	ownerCmd.Flags().StringVar(&ownerChain, "chain", "", "Chain name, slug or id")
	ownerCmd.Flags().StringVar(&ownerAddress, "address", "", "New backup owner address")
	ownerCmd.Flags().BoolVar(&ownerYes, "yes", false, "Confirm the owner change")
	_ = ownerCmd.MarkFlagRequired("chain")
	_ = ownerCmd.MarkFlagRequired("address")

	var showChain string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the safe address and remembered transfer progress on a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := id.ParseChain(showChain)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			v, err := s.services(ctx, serviceOptions{})
			if err != nil {
				return err
			}
			mem, err := s.store.SafeMemory(ctx, chain.Slug)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "read safe memory", err)
			}
			view := safeView{Chain: chain.Slug, Memory: mem, Pending: mem.Pending()}
			start := time.Now()
			wallets, err := v.wallets.Wallets(ctx)
			s.call("wallet", start, err)
			if err != nil {
				s.lastWarnings = append(s.lastWarnings, "wallet listing unavailable; showing remembered state only")
			}
			for _, w := range wallets {
				if addr := w.Safes[chain.Slug]; addr != "" {
					view.SafeAddress = addr
					break
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, s.lastWarnings, cacheMetaBypass())
		},
	}
	showCmd.Flags().StringVar(&showChain, "chain", "", "Chain name, slug or id")
	_ = showCmd.MarkFlagRequired("chain")

	root.AddCommand(mutating(ensureCmd))
	root.AddCommand(mutating(ownerCmd))
	root.AddCommand(showCmd)
	return root
}
