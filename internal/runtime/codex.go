// ABOUTME: Validation of Codex-only session options.
// ABOUTME: Bad values become a deferred error instead of failing startup.

package runtime

import (
	"fmt"

	"github.com/flinthq/flint/internal/config"
)

var (
	codexApprovalPolicies = map[string]bool{
		"untrusted":  true,
		"on-request": true,
		"on-failure": true,
		"never":      true,
	}
	codexSandboxModes = map[string]bool{
		"read-only":          true,
		"workspace-write":    true,
		"danger-full-access": true,
	}
)

// validateCodexOptions checks the configured Codex knobs. A non-nil result
// is held by the Manager and surfaced on Codex-provider threads only.
func validateCodexOptions(o *config.CodexOptions) error {
	if o == nil {
		return nil
	}
	if o.ApprovalPolicy != "" && !codexApprovalPolicies[o.ApprovalPolicy] {
		return fmt.Errorf("approvalPolicy %q is not one of untrusted, on-request, on-failure, never", o.ApprovalPolicy)
	}
	if o.SandboxMode != "" && !codexSandboxModes[o.SandboxMode] {
		return fmt.Errorf("sandboxMode %q is not one of read-only, workspace-write, danger-full-access", o.SandboxMode)
	}
	return nil
}
