package registry

import (
	"net/url"
	"strings"
)

const DefaultBackendURL = "http://localhost:8000/api"

// Backend API paths, relative to the configured backend URL.
const (
	PathBridgeRefillRequirements = "/bridge/bridge_refill_requirements"
	PathBridgeExecute            = "/bridge/execute"
	PathBridgeStatus             = "/bridge/status/"
	PathWallet                   = "/wallet"
	PathWalletSafe               = "/wallet/safe"
	PathService                  = "/service/"
)

func FundingRequirementsPath(serviceConfigID string) string {
	return PathService + url.PathEscape(strings.TrimSpace(serviceConfigID)) + "/funding_requirements"
}

func ServicePath(serviceConfigID string) string {
	return PathService + url.PathEscape(strings.TrimSpace(serviceConfigID))
}

func BridgeStatusPath(quoteID string) string {
	return PathBridgeStatus + url.PathEscape(strings.TrimSpace(quoteID))
}

// JoinURL appends an API path to a base URL without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}
