// Package policy decides which commands a run may execute.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
)

// MutatingAnnotation marks cobra commands that move funds or change wallets.
const MutatingAnnotation = "fundctl/mutating"

// CheckCommandAllowed enforces an --enable-commands allowlist. An entry also
// allows every command beneath it, so "bridge" covers "bridge quote".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range allowlist {
		norm := normalize(allowed)
		if norm == path || strings.HasPrefix(path, norm+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", path))
}

// CheckMutationAllowed blocks mutating commands in read-only runs.
func CheckMutationAllowed(readOnly bool, commandPath string, annotations map[string]string) error {
	if !readOnly || annotations[MutatingAnnotation] != "true" {
		return nil
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q changes funds and is blocked by --read-only", normalize(commandPath)))
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(v))), " ")
}
