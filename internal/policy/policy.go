package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// allows its exact path and every command below it, so "lend" admits
// "lend borrow plan" while "lend borrow plan" admits nothing else.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.Newf(clierr.CodeBlocked, "command %q blocked by --enable-commands policy", normPath)
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
