package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/poller"
	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath      string
	JSON            bool
	Plain           bool
	Select          string
	ResultsOnly     bool
	Timeout         string
	Retries         int
	MaxStale        string
	NoStale         bool
	NoCache         bool
	BackendURL      string
	ServiceConfigID string
	LogLevel        string
	LogFormat       string
	WindowState     string
	EnableCommands  string
	ReadOnly        bool
}

// AgentRequirements is the static per-chain funding an agent needs.
type AgentRequirements struct {
	MonthlyGas     decimal.Decimal
	StakingMinimum decimal.Decimal
	Extras         map[registry.Symbol]decimal.Decimal
}

type Settings struct {
	OutputMode    string
	SelectFields  []string
	ResultsOnly   bool
	Timeout       time.Duration
	Retries       int
	MaxStale      time.Duration
	NoStale       bool
	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	StorePath     string
	StoreLockPath string

	BackendURL      string
	ServiceConfigID string
	LogLevel        string
	LogFormat       string
	EnableCommands  []string
	ReadOnly        bool

	WindowState               poller.WindowState
	PollBase                  time.Duration
	RequirementsStaleInterval time.Duration
	RequirementsIdleInterval  time.Duration
	Backoff                   poller.Backoff
	MaxPollFailures           int

	BridgeStatusTimeout time.Duration
	NoRouteCooldown     time.Duration
	SafeTimeout         time.Duration
	BackupOwner         string

	RPCURLs map[int64]string
	Staking map[int64]registry.StakingContracts
	Agent   map[string]AgentRequirements
}

type fileConfig struct {
	Output          string `yaml:"output"`
	Timeout         string `yaml:"timeout"`
	Retries         *int   `yaml:"retries"`
	BackendURL      string `yaml:"backend_url"`
	ServiceConfigID string `yaml:"service_config_id"`
	Log             struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Polling struct {
		Base              string `yaml:"base"`
		WindowState       string `yaml:"window_state"`
		RequirementsStale string `yaml:"requirements_stale"`
		RequirementsIdle  string `yaml:"requirements_idle"`
		MaxFailures       *int   `yaml:"max_failures"`
		Backoff           struct {
			Min   string `yaml:"min"`
			Max   string `yaml:"max"`
			Steps *int   `yaml:"steps"`
		} `yaml:"backoff"`
	} `yaml:"polling"`
	Bridge struct {
		StatusTimeout   string `yaml:"status_timeout"`
		NoRouteCooldown string `yaml:"no_route_cooldown"`
	} `yaml:"bridge"`
	Safe struct {
		Timeout     string `yaml:"timeout"`
		BackupOwner string `yaml:"backup_owner"`
	} `yaml:"safe"`
	RPC     map[string]string `yaml:"rpc"`
	Staking map[string]struct {
		ServiceRegistry string `yaml:"service_registry"`
		TokenUtility    string `yaml:"token_utility"`
	} `yaml:"staking"`
	Agent map[string]struct {
		MonthlyGas     string            `yaml:"monthly_gas"`
		StakingMinimum string            `yaml:"staking_minimum"`
		Extras         map[string]string `yaml:"extras"`
	} `yaml:"agent"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.PollBase <= 0 {
		settings.PollBase = 5 * time.Second
	}
	if settings.Backoff.Steps < 1 {
		settings.Backoff.Steps = 1
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	stateDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:                "json",
		Timeout:                   10 * time.Second,
		Retries:                   2,
		MaxStale:                  5 * time.Minute,
		CacheEnabled:              true,
		CachePath:                 cachePath,
		CacheLockPath:             lockPath,
		StorePath:                 filepath.Join(stateDir, "state.db"),
		StoreLockPath:             filepath.Join(stateDir, "state.lock"),
		BackendURL:                registry.DefaultBackendURL,
		LogLevel:                  "warn",
		LogFormat:                 "json",
		WindowState:               poller.Focused,
		PollBase:                  5 * time.Second,
		RequirementsStaleInterval: 30 * time.Second,
		RequirementsIdleInterval:  60 * time.Minute,
		Backoff:                   poller.DefaultBackoff(),
		MaxPollFailures:           5,
		BridgeStatusTimeout:       30 * time.Minute,
		NoRouteCooldown:           2 * time.Minute,
		SafeTimeout:               2 * time.Minute,
		RPCURLs:                   map[int64]string{},
		Staking:                   map[int64]registry.StakingContracts{},
		Agent:                     map[string]AgentRequirements{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fundctl", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "fundctl")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.BackendURL != "" {
		settings.BackendURL = cfg.BackendURL
	}
	if cfg.ServiceConfigID != "" {
		settings.ServiceConfigID = cfg.ServiceConfigID
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Polling.WindowState != "" {
		state, err := poller.ParseWindowState(cfg.Polling.WindowState)
		if err != nil {
			return fmt.Errorf("config polling.window_state: %w", err)
		}
		settings.WindowState = state
	}
	if cfg.Polling.MaxFailures != nil {
		settings.MaxPollFailures = *cfg.Polling.MaxFailures
	}
	if cfg.Polling.Backoff.Steps != nil {
		settings.Backoff.Steps = *cfg.Polling.Backoff.Steps
	}
	if cfg.Safe.BackupOwner != "" {
		settings.BackupOwner = cfg.Safe.BackupOwner
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"timeout", cfg.Timeout, &settings.Timeout},
		{"cache.max_stale", cfg.Cache.MaxStale, &settings.MaxStale},
		{"polling.base", cfg.Polling.Base, &settings.PollBase},
		{"polling.requirements_stale", cfg.Polling.RequirementsStale, &settings.RequirementsStaleInterval},
		{"polling.requirements_idle", cfg.Polling.RequirementsIdle, &settings.RequirementsIdleInterval},
		{"polling.backoff.min", cfg.Polling.Backoff.Min, &settings.Backoff.Min},
		{"polling.backoff.max", cfg.Polling.Backoff.Max, &settings.Backoff.Max},
		{"bridge.status_timeout", cfg.Bridge.StatusTimeout, &settings.BridgeStatusTimeout},
		{"bridge.no_route_cooldown", cfg.Bridge.NoRouteCooldown, &settings.NoRouteCooldown},
		{"safe.timeout", cfg.Safe.Timeout, &settings.SafeTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.field, err)
		}
		*d.dst = parsed
	}

	for key, url := range cfg.RPC {
		chain, ok := chainFromKey(key)
		if !ok {
			return fmt.Errorf("config rpc: unsupported chain %q", key)
		}
		settings.RPCURLs[chain.EVMChainID] = strings.TrimSpace(url)
	}
	for key, contracts := range cfg.Staking {
		chain, ok := chainFromKey(key)
		if !ok {
			return fmt.Errorf("config staking: unsupported chain %q", key)
		}
		settings.Staking[chain.EVMChainID] = registry.StakingContracts{
			ServiceRegistry:             contracts.ServiceRegistry,
			ServiceRegistryTokenUtility: contracts.TokenUtility,
		}
	}
	for key, agent := range cfg.Agent {
		chain, ok := chainFromKey(key)
		if !ok {
			return fmt.Errorf("config agent: unsupported chain %q", key)
		}
		req := AgentRequirements{Extras: map[registry.Symbol]decimal.Decimal{}}
		if req.MonthlyGas, err = parseAmount(agent.MonthlyGas); err != nil {
			return fmt.Errorf("config agent.%s.monthly_gas: %w", key, err)
		}
		if req.StakingMinimum, err = parseAmount(agent.StakingMinimum); err != nil {
			return fmt.Errorf("config agent.%s.staking_minimum: %w", key, err)
		}
		for symbol, raw := range agent.Extras {
			amount, err := parseAmount(raw)
			if err != nil {
				return fmt.Errorf("config agent.%s.extras.%s: %w", key, symbol, err)
			}
			req.Extras[registry.Symbol(symbol)] = amount
		}
		settings.Agent[chain.Slug] = req
	}

	return nil
}

func chainFromKey(key string) (registry.Chain, bool) {
	if chain, ok := registry.ChainBySlug(key); ok {
		return chain, true
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64); err == nil {
		return registry.ChainByID(n)
	}
	return registry.Chain{}, false
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative")
	}
	return d, nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("FUNDCTL_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("FUNDCTL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("FUNDCTL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("FUNDCTL_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("FUNDCTL_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("FUNDCTL_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("FUNDCTL_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("FUNDCTL_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("FUNDCTL_STORE_PATH"); v != "" {
		settings.StorePath = v
	}
	if v := os.Getenv("FUNDCTL_STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
	if v := os.Getenv("FUNDCTL_BACKEND_URL"); v != "" {
		settings.BackendURL = v
	}
	if v := os.Getenv("FUNDCTL_SERVICE_CONFIG_ID"); v != "" {
		settings.ServiceConfigID = v
	}
	if v := os.Getenv("FUNDCTL_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("FUNDCTL_LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := os.Getenv("FUNDCTL_WINDOW_STATE"); v != "" {
		if state, err := poller.ParseWindowState(v); err == nil {
			settings.WindowState = state
		}
	}
	if v := os.Getenv("FUNDCTL_BACKUP_OWNER"); v != "" {
		settings.BackupOwner = v
	}
	if v := os.Getenv("FUNDCTL_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitList(v)
	}
	if v := os.Getenv("FUNDCTL_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.BackendURL) != "" {
		settings.BackendURL = strings.TrimSpace(flags.BackendURL)
	}
	if strings.TrimSpace(flags.ServiceConfigID) != "" {
		settings.ServiceConfigID = strings.TrimSpace(flags.ServiceConfigID)
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		settings.LogFormat = flags.LogFormat
	}
	if flags.WindowState != "" {
		state, err := poller.ParseWindowState(flags.WindowState)
		if err != nil {
			return fmt.Errorf("parse --window-state: %w", err)
		}
		settings.WindowState = state
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
