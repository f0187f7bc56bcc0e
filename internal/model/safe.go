package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type SafeCreationStatus string

const (
	SafeCreated                  SafeCreationStatus = "SAFE_CREATED"
	SafeExistsAlreadyFunded      SafeCreationStatus = "SAFE_EXISTS_ALREADY_FUNDED"
	SafeCreatedTransferCompleted SafeCreationStatus = "SAFE_CREATED_TRANSFER_COMPLETED"
	SafeCreationFailed           SafeCreationStatus = "SAFE_CREATION_FAILED"
)

// TxHashes decodes either a single hash or a list of hashes.
type TxHashes []string

func (h *TxHashes) UnmarshalJSON(buf []byte) error {
	var single string
	if err := json.Unmarshal(buf, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*h = nil
			return nil
		}
		*h = TxHashes{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(buf, &many); err != nil {
		return err
	}
	*h = TxHashes(many)
	return nil
}

// SafeCreationResult is the backend answer to a safe creation call. Transfer maps
// are keyed by token address.
type SafeCreationResult struct {
	Status         SafeCreationStatus  `json:"status"`
	CreateTx       string              `json:"create_tx,omitempty"`
	TransferTxs    map[string]TxHashes `json:"transfer_txs,omitempty"`
	TransferErrors map[string]string   `json:"transfer_errors,omitempty"`
}

type TransferStatus string

const (
	TransferWait   TransferStatus = "wait"
	TransferFinish TransferStatus = "finish"
	TransferError  TransferStatus = "error"
)

type TokenTransfer struct {
	Token         string         `json:"token"`
	Symbol        string         `json:"symbol,omitempty"`
	Status        TransferStatus `json:"status"`
	TxHashes      []string       `json:"tx_hashes,omitempty"`
	ExplorerLinks []string       `json:"explorer_links,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// SafeOutcome is what callers of the safe workflow observe.
type SafeOutcome struct {
	Chain             string             `json:"chain"`
	Status            SafeCreationStatus `json:"status"`
	IsSafeCreated     bool               `json:"is_safe_created"`
	CreateTx          string             `json:"create_tx,omitempty"`
	CreateTxLink      string             `json:"create_tx_link,omitempty"`
	Transfers         []TokenTransfer    `json:"transfers"`
	TransfersComplete bool               `json:"transfers_complete"`
	BackendCalled     bool               `json:"backend_called"`
}

// SafeMemory is what the safe workflow remembers about one chain between
// calls. It only moves forward: a created safe stays created and a finished
// transfer stays finished.
type SafeMemory struct {
	Chain         string                    `json:"chain"`
	IsSafeCreated bool                      `json:"is_safe_created"`
	CreateTx      string                    `json:"create_tx,omitempty"`
	Transfers     map[string]TransferStatus `json:"transfers"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Pending lists tokens whose transfer has not finished.
func (m SafeMemory) Pending() []string {
	out := []string{}
	for token, status := range m.Transfers {
		if status != TransferFinish {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	return out
}

// Merge folds a newer observation into m without regressing any field.
func (m SafeMemory) Merge(next SafeMemory) SafeMemory {
	merged := SafeMemory{
		Chain:         m.Chain,
		IsSafeCreated: m.IsSafeCreated || next.IsSafeCreated,
		CreateTx:      m.CreateTx,
		Transfers:     map[string]TransferStatus{},
		UpdatedAt:     next.UpdatedAt,
	}
	if merged.Chain == "" {
		merged.Chain = next.Chain
	}
	if merged.CreateTx == "" {
		merged.CreateTx = next.CreateTx
	}
	for token, status := range m.Transfers {
		merged.Transfers[token] = status
	}
	for token, status := range next.Transfers {
		if merged.Transfers[token] == TransferFinish {
			continue
		}
		merged.Transfers[token] = status
	}
	return merged
}
