package model

import (
	"fmt"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/registry"
	"github.com/shopspring/decimal"
)

type WalletKind string

const (
	WalletKindEOA  WalletKind = "eoa"
	WalletKindSafe WalletKind = "safe"
)

// WalletBalance is one token holding of one wallet on one chain, in human units.
type WalletBalance struct {
	WalletAddress string          `json:"wallet_address"`
	WalletKind    WalletKind      `json:"wallet_kind"`
	Chain         string          `json:"chain"`
	Symbol        registry.Symbol `json:"symbol"`
	IsNative      bool            `json:"is_native"`
	Amount        decimal.Decimal `json:"amount"`
}

// ServiceState mirrors the on-chain service registry lifecycle.
type ServiceState int

const (
	ServiceStateNonExistent ServiceState = iota
	ServiceStatePreRegistration
	ServiceStateActiveRegistration
	ServiceStateFinishedRegistration
	ServiceStateDeployed
	ServiceStateTerminatedBonded
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateNonExistent:
		return "non_existent"
	case ServiceStatePreRegistration:
		return "pre_registration"
	case ServiceStateActiveRegistration:
		return "active_registration"
	case ServiceStateFinishedRegistration:
		return "finished_registration"
	case ServiceStateDeployed:
		return "deployed"
	case ServiceStateTerminatedBonded:
		return "terminated_bonded"
	default:
		return "unknown"
	}
}

func (s ServiceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ServiceState) UnmarshalText(text []byte) error {
	for state := ServiceStateNonExistent; state <= ServiceStateTerminatedBonded; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown service state %q", text)
}

// StakedPosition is the OLAS a master safe has locked in one service.
type StakedPosition struct {
	Chain        string          `json:"chain"`
	ServiceID    int64           `json:"service_id"`
	Operator     string          `json:"operator"`
	Bond         decimal.Decimal `json:"bond"`
	Deposit      decimal.Decimal `json:"deposit"`
	ServiceState ServiceState    `json:"service_state"`
}

// FundingRequirement is the amount a chain/token pair must hold. Pairs without an
// entry carry no requirement.
type FundingRequirement struct {
	Chain          string          `json:"chain"`
	Symbol         registry.Symbol `json:"symbol"`
	RequiredAmount decimal.Decimal `json:"required_amount"`
}

type RefillShortfall struct {
	Chain         string          `json:"chain"`
	Symbol        registry.Symbol `json:"symbol"`
	MissingAmount decimal.Decimal `json:"missing_amount"`
}

// AgentFundingStatus carries the backend flags that drive refresh cadence.
type AgentFundingStatus struct {
	IsRefillRequired             bool `json:"is_refill_required"`
	AllowStartAgent              bool `json:"allow_start_agent"`
	AgentFundingInProgress       bool `json:"agent_funding_in_progress"`
	AgentFundingRequestsCooldown bool `json:"agent_funding_requests_cooldown"`
}

// Holdings is one raw read of wallet and staking balances.
type Holdings struct {
	Balances     []WalletBalance      `json:"balances"`
	Staked       []StakedPosition     `json:"staked,omitempty"`
	Requirements []FundingRequirement `json:"requirements,omitempty"`
	Status       *AgentFundingStatus  `json:"status,omitempty"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

// MasterWallet is the backend's view of the operator EOA and its safes.
type MasterWallet struct {
	Address    string            `json:"address"`
	Safes      map[string]string `json:"safes"`
	SafeChains []string          `json:"safe_chains"`
	LedgerType string            `json:"ledger_type"`
}
