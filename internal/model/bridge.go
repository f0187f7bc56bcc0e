package model

import (
	"time"
)

type BridgeEndpoint struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount,omitempty"`
}

// BridgeRequest asks for To.Amount (token base units) of To.Token to land at
// To.Address, paid from From.Token held by From.Address.
type BridgeRequest struct {
	From BridgeEndpoint `json:"from"`
	To   BridgeEndpoint `json:"to"`
}

type QuoteOutcome string

const (
	QuoteOutcomeQuoted        QuoteOutcome = "quoted"
	QuoteOutcomeSatisfied     QuoteOutcome = "satisfied"
	QuoteOutcomeUnserviceable QuoteOutcome = "unserviceable"
)

type QuoteLeg struct {
	Provider       string `json:"provider,omitempty"`
	FeeEstimate    string `json:"fee_estimate,omitempty"`
	ExpectedAmount string `json:"expected_amount,omitempty"`
	ETASeconds     int64  `json:"eta_seconds"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

// RefillQuote is the decoded answer to a refill requirements query.
type RefillQuote struct {
	QuoteID          string       `json:"quote_id"`
	Outcome          QuoteOutcome `json:"outcome"`
	Legs             []QuoteLeg   `json:"legs"`
	ETASeconds       int64        `json:"eta_seconds"`
	IsRefillRequired bool         `json:"is_refill_required"`
	// Deposits is what the source wallet must hold: chain -> address -> token -> base units.
	Deposits      map[string]map[string]map[string]string `json:"deposits,omitempty"`
	Message       string                                  `json:"message,omitempty"`
	ExpiresAt     *time.Time                              `json:"expires_at,omitempty"`
	CooldownUntil *time.Time                              `json:"cooldown_until,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionSubmitted ExecutionStatus = "SUBMITTED"
	ExecutionExecuting ExecutionStatus = "EXECUTING"
	ExecutionDone      ExecutionStatus = "DONE"
	ExecutionError     ExecutionStatus = "ERROR"
)

type LegStatus string

const (
	LegPending LegStatus = "EXECUTION_PENDING"
	LegDone    LegStatus = "EXECUTION_DONE"
	LegFailed  LegStatus = "EXECUTION_FAILED"
)

func (s LegStatus) Terminal() bool { return s == LegDone || s == LegFailed }

type LegState struct {
	Status       LegStatus `json:"status"`
	TxHash       string    `json:"tx_hash,omitempty"`
	ExplorerLink string    `json:"explorer_link,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// BridgeExecutionState is the tracked lifecycle of one submitted quote.
type BridgeExecutionState struct {
	ID        string          `json:"id"`
	Status    ExecutionStatus `json:"status"`
	Legs      []LegState      `json:"legs"`
	Requests  []BridgeRequest `json:"requests,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s BridgeExecutionState) Terminal() bool {
	return s.Status == ExecutionDone || s.Status == ExecutionError
}

// FailedLegs returns the indexes of legs that ended in failure.
func (s BridgeExecutionState) FailedLegs() []int {
	out := []int{}
	for i, leg := range s.Legs {
		if leg.Status == LegFailed {
			out = append(out, i)
		}
	}
	return out
}
