package app

import (
	"context"
	"strings"

	"github.com/ggonzalez94/agent-funding/internal/balance"
	"github.com/ggonzalez94/agent-funding/internal/bridge"
	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/funding"
	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/ggonzalez94/agent-funding/internal/safe"
)

// services is the wired object graph behind the commands of one run.
type services struct {
	http       *httpx.Client
	wallets    *safe.WalletClient
	bridge     *bridge.Client
	tracker    *bridge.Tracker
	safes      *safe.Service
	aggregator *balance.Aggregator
	funding    *funding.Orchestrator
	closers    []func()
}

func (v *services) close() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		v.closers[i]()
	}
}

type serviceOptions struct {
	agentRunning bool
}

func (s *runtimeState) services(ctx context.Context, opts serviceOptions) (*services, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	st, err := s.openStore()
	if err != nil {
		return nil, err
	}
	settings := s.settings
	backendURL := strings.TrimSpace(settings.BackendURL)
	if backendURL == "" {
		backendURL = registry.DefaultBackendURL
	}

	v := &services{}
	v.http = httpx.New(settings.Timeout, settings.Retries).WithLogger(s.logger)
	v.wallets = safe.NewWalletClient(v.http, backendURL)
	v.bridge = bridge.NewClient(v.http, backendURL, settings.NoRouteCooldown, s.metrics, s.logger).WithCooldownStore(st)
	v.closers = append(v.closers, v.bridge.Close)

	env := poller.NewSwitchEnvironment(settings.WindowState)
	v.tracker = bridge.NewTracker(v.bridge, st, bridge.TrackerOptions{
		PollBase:    settings.PollBase,
		Timeout:     settings.BridgeStatusTimeout,
		MaxFailures: settings.MaxPollFailures,
		Backoff:     settings.Backoff,
		Env:         env,
	}, s.metrics, s.logger)
	v.safes = safe.NewService(v.wallets, st, settings.SafeTimeout, s.metrics, s.logger)

	var source balance.Source
	if s.onchain {
		source, err = s.onchainSource(ctx, v, backendURL)
		if err != nil {
			v.close()
			return nil, err
		}
	} else {
		source = balance.NewBackendSource(v.http, backendURL, settings.ServiceConfigID, v.wallets, s.logger)
	}
	v.aggregator = balance.NewAggregator(source, s.logger)

	cadence := funding.Cadence{
		Stale:   settings.RequirementsStaleInterval,
		Idle:    settings.RequirementsIdleInterval,
		Backoff: settings.Backoff,
	}
	v.funding = funding.New(v.aggregator, v.wallets, v.bridge, v.tracker, v.safes, funding.Options{
		BackupOwner:  settings.BackupOwner,
		Agent:        settings.Agent,
		Cadence:      cadence,
		Env:          env,
		MaxFailures:  settings.MaxPollFailures,
		AgentRunning: opts.agentRunning,
	}, s.metrics, s.logger)

	s.svc = v
	return v, nil
}

// onchainSource reads wallet balances from every chain with a known RPC and
// staked OLAS from the chains that have staking contracts.
func (s *runtimeState) onchainSource(ctx context.Context, v *services, backendURL string) (balance.Source, error) {
	chains := []string{}
	for _, chain := range registry.Chains() {
		if _, err := registry.ResolveRPCURL(s.settings.RPCURLs[chain.EVMChainID], chain.EVMChainID); err == nil {
			chains = append(chains, chain.Slug)
		}
	}
	if len(chains) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no chain RPC endpoints configured")
	}
	readers, closeReaders, err := balance.DialReaders(ctx, chains, s.settings.RPCURLs)
	if err != nil {
		return nil, err
	}
	v.closers = append(v.closers, closeReaders)

	sources := balance.Sources{balance.NewRPCSource(readers, v.wallets, s.logger)}
	if strings.TrimSpace(s.settings.ServiceConfigID) != "" {
		stakes := balance.NewStakeReader(readers, s.settings.Staking)
		sources = append(sources, balance.NewStakeSource(stakes, v.http, backendURL, s.settings.ServiceConfigID, v.wallets, s.logger))
	} else {
		s.lastWarnings = append(s.lastWarnings, "no service configured; staked OLAS is not included")
	}
	return sources, nil
}
