package safe

import (
	"context"
	"net/http"

	"github.com/ggonzalez94/agent-funding/internal/httpx"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/registry"
)

// WalletClient covers the backend master wallet endpoints.
type WalletClient struct {
	http    *httpx.Client
	baseURL string
}

func NewWalletClient(client *httpx.Client, baseURL string) *WalletClient {
	return &WalletClient{http: client, baseURL: baseURL}
}

func (c *WalletClient) Wallets(ctx context.Context) ([]model.MasterWallet, error) {
	var wallets []model.MasterWallet
	if err := c.http.GetJSON(ctx, registry.JoinURL(c.baseURL, registry.PathWallet), &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

type createSafeRequest struct {
	Chain                string `json:"chain"`
	BackupOwner          string `json:"backup_owner,omitempty"`
	TransferExcessAssets bool   `json:"transfer_excess_assets"`
}

// CreateSafe deploys the master safe on chain, or reports that it exists, and
// moves excess master EOA assets into it.
func (c *WalletClient) CreateSafe(ctx context.Context, chain, backupOwner string) (model.SafeCreationResult, error) {
	var result model.SafeCreationResult
	body := createSafeRequest{Chain: chain, BackupOwner: backupOwner, TransferExcessAssets: true}
	if err := c.http.SendJSON(ctx, http.MethodPost, registry.JoinURL(c.baseURL, registry.PathWalletSafe), body, &result); err != nil {
		return model.SafeCreationResult{}, err
	}
	return result, nil
}

type updateSafeRequest struct {
	Chain       string `json:"chain"`
	BackupOwner string `json:"backup_owner"`
}

func (c *WalletClient) UpdateBackupOwner(ctx context.Context, chain, backupOwner string) error {
	body := updateSafeRequest{Chain: chain, BackupOwner: backupOwner}
	return c.http.SendJSON(ctx, http.MethodPut, registry.JoinURL(c.baseURL, registry.PathWalletSafe), body, nil)
}
