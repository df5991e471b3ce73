package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// opBinary is the 1Password CLI executable.
var opBinary = "op"

// WithOnePassword registers an "op" template function that resolves
// secret references (op://vault/item/field) with `op read`.
func WithOnePassword() ResolverOption {
	return WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("not a 1Password reference: %q", ref)
		}

		cmd := exec.CommandContext(ctx, opBinary, "read", "--no-newline", ref)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
