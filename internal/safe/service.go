// Package safe ensures a master safe exists on a chain and that the assets
// meant for it were transferred, remembering progress across calls.
package safe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/id"
	"github.com/ggonzalez94/agent-funding/internal/metrics"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Memory persists what has been observed per chain. Merges never regress.
type Memory interface {
	SafeMemory(ctx context.Context, chain string) (model.SafeMemory, error)
	MergeSafeMemory(ctx context.Context, next model.SafeMemory) (model.SafeMemory, error)
}

// Backend is the subset of WalletClient the service drives.
type Backend interface {
	Wallets(ctx context.Context) ([]model.MasterWallet, error)
	CreateSafe(ctx context.Context, chain, backupOwner string) (model.SafeCreationResult, error)
}

const memorySaveTimeout = 5 * time.Second

type Service struct {
	backend Backend
	memory  Memory
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	group   singleflight.Group
	now     func() time.Time
}

func NewService(backend Backend, memory Memory, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{backend: backend, memory: memory, timeout: timeout, metrics: m, logger: logger, now: time.Now}
}

// EnsureSafeAndTransfer makes sure the master safe exists on chain and that
// every token in tokens (addresses) has been transferred into it. Concurrent
// calls for the same chain share one run. When the safe was never observed as
// created and the backend reports failure, the outcome is returned together
// with a CodeSafeCreation error.
func (s *Service) EnsureSafeAndTransfer(ctx context.Context, chainInput, backupOwner string, tokens []string) (model.SafeOutcome, error) {
	chain, err := id.ParseChain(chainInput)
	if err != nil {
		return model.SafeOutcome{}, err
	}
	if chain.SafeCreationThreshold.IsZero() {
		return model.SafeOutcome{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("master safes are not deployed on %s", chain.Slug))
	}
	if strings.TrimSpace(backupOwner) != "" {
		if backupOwner, err = id.ParseAddress(backupOwner, "backup owner"); err != nil {
			return model.SafeOutcome{}, err
		}
	}
	wanted, err := normalizeTokens(chain, tokens)
	if err != nil {
		return model.SafeOutcome{}, err
	}

	// The shared run must not die with whichever caller started it.
	runCtx := context.WithoutCancel(ctx)
	resCh := s.group.DoChan(chain.Slug, func() (any, error) {
		out, err := s.run(runCtx, chain, backupOwner, wanted)
		return runResult{out, err}, nil
	})
	select {
	case <-ctx.Done():
		return model.SafeOutcome{}, clierr.Wrap(clierr.CodeTimeout, "safe creation wait cancelled", ctx.Err())
	case res := <-resCh:
		r := res.Val.(runResult)
		if res.Shared {
			s.logger.Debug().Str("chain", chain.Slug).Msg("joined in-flight safe creation")
		}
		return r.outcome, r.err
	}
}

type runResult struct {
	outcome model.SafeOutcome
	err     error
}

func (s *Service) run(ctx context.Context, chain registry.Chain, backupOwner string, tokens []string) (model.SafeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	mem, err := s.memory.SafeMemory(ctx, chain.Slug)
	if err != nil {
		return model.SafeOutcome{}, clierr.Wrap(clierr.CodeInternal, "read safe memory", err)
	}

	if !mem.IsSafeCreated {
		if exists, err := s.safeListed(ctx, chain.Slug); err != nil {
			s.logger.Debug().Err(err).Str("chain", chain.Slug).Msg("wallet listing failed; relying on creation call")
		} else if exists {
			mem, err = s.memory.MergeSafeMemory(ctx, model.SafeMemory{Chain: chain.Slug, IsSafeCreated: true, UpdatedAt: s.now().UTC()})
			if err != nil {
				return model.SafeOutcome{}, clierr.Wrap(clierr.CodeInternal, "save safe memory", err)
			}
		}
	}

	retry := []string{}
	for _, token := range tokens {
		if mem.Transfers[token] != model.TransferFinish {
			retry = append(retry, token)
		}
	}
	if mem.IsSafeCreated && len(retry) == 0 {
		outcome := s.outcome(chain, mem, tokens, model.SafeCreationResult{})
		outcome.Status = model.SafeExistsAlreadyFunded
		s.metrics.SafeResult(string(outcome.Status))
		return outcome, nil
	}

	result, err := s.backend.CreateSafe(ctx, chain.Slug, backupOwner)
	if err != nil {
		// What was already remembered still stands.
		outcome := s.outcome(chain, mem, tokens, model.SafeCreationResult{})
		if mem.IsSafeCreated {
			outcome.Status = model.SafeCreated
		}
		return outcome, err
	}
	s.metrics.SafeResult(string(result.Status))

	observed := model.SafeMemory{
		Chain:         chain.Slug,
		IsSafeCreated: result.Status != model.SafeCreationFailed && result.Status != "",
		CreateTx:      result.CreateTx,
		Transfers:     map[string]model.TransferStatus{},
		UpdatedAt:     s.now().UTC(),
	}
	for _, token := range retry {
		observed.Transfers[token] = model.TransferWait
	}
	for token, hashes := range result.TransferTxs {
		if len(hashes) > 0 {
			observed.Transfers[normalizeAddress(token)] = model.TransferFinish
		}
	}
	// A reported error outranks a hash for the same token.
	for token, msg := range result.TransferErrors {
		if strings.TrimSpace(msg) != "" {
			observed.Transfers[normalizeAddress(token)] = model.TransferError
		}
	}
	if mem.IsSafeCreated && !observed.IsSafeCreated {
		s.logger.Warn().Str("chain", chain.Slug).Str("status", string(result.Status)).Msg("safe creation reported failure after success was observed; keeping created state")
	}

	// The observation is persisted even when the run deadline just expired.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), memorySaveTimeout)
	defer cancelSave()
	merged, err := s.memory.MergeSafeMemory(saveCtx, observed)
	if err != nil {
		return model.SafeOutcome{}, clierr.Wrap(clierr.CodeInternal, "save safe memory", err)
	}

	outcome := s.outcome(chain, merged, tokens, result)
	outcome.BackendCalled = true
	switch {
	case !merged.IsSafeCreated:
		outcome.Status = model.SafeCreationFailed
		return outcome, clierr.New(clierr.CodeSafeCreation, fmt.Sprintf("safe creation failed on %s", chain.Slug))
	case result.Status == model.SafeExistsAlreadyFunded:
		outcome.Status = model.SafeExistsAlreadyFunded
	case outcome.TransfersComplete:
		outcome.Status = model.SafeCreatedTransferCompleted
	default:
		outcome.Status = model.SafeCreated
	}
	return outcome, nil
}

func (s *Service) safeListed(ctx context.Context, chain string) (bool, error) {
	wallets, err := s.backend.Wallets(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range wallets {
		if strings.TrimSpace(w.Safes[chain]) != "" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) outcome(chain registry.Chain, mem model.SafeMemory, tokens []string, result model.SafeCreationResult) model.SafeOutcome {
	hashes := map[string][]string{}
	for token, h := range result.TransferTxs {
		hashes[normalizeAddress(token)] = h
	}
	errs := map[string]string{}
	for token, msg := range result.TransferErrors {
		errs[normalizeAddress(token)] = msg
	}

	keys := map[string]bool{}
	for _, token := range tokens {
		keys[token] = true
	}
	for token := range mem.Transfers {
		keys[token] = true
	}
	ordered := make([]string, 0, len(keys))
	for token := range keys {
		ordered = append(ordered, token)
	}
	sort.Strings(ordered)

	out := model.SafeOutcome{
		Chain:         chain.Slug,
		IsSafeCreated: mem.IsSafeCreated,
		CreateTx:      mem.CreateTx,
		Transfers:     make([]model.TokenTransfer, 0, len(ordered)),
	}
	if mem.CreateTx != "" {
		out.CreateTxLink = registry.TxURL(chain.Slug, mem.CreateTx)
	}
	complete := true
	for _, token := range ordered {
		status, ok := mem.Transfers[token]
		if !ok {
			status = model.TransferWait
		}
		if status != model.TransferFinish {
			complete = false
		}
		transfer := model.TokenTransfer{Token: token, Status: status, TxHashes: hashes[token]}
		if cfg, ok := registry.TokenByAddress(chain.Slug, token); ok {
			transfer.Symbol = string(cfg.Symbol)
		}
		for _, h := range transfer.TxHashes {
			transfer.ExplorerLinks = append(transfer.ExplorerLinks, registry.TxURL(chain.Slug, h))
		}
		if status == model.TransferError {
			transfer.Error = errs[token]
		}
		out.Transfers = append(out.Transfers, transfer)
	}
	out.TransfersComplete = complete
	return out
}

// normalizeTokens resolves symbols or addresses to lower-case token addresses
// as the backend keys them.
func normalizeTokens(chain registry.Chain, tokens []string) ([]string, error) {
	seen := map[string]bool{}
	out := make([]string, 0, len(tokens))
	for _, raw := range tokens {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		token, err := id.ParseToken(raw, chain)
		if err != nil {
			return nil, err
		}
		addr := normalizeAddress(token.WireAddress())
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
