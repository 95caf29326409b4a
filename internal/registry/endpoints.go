package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	// ParaSwap market API used for swap quotes and router calldata.
	ParaswapBaseURL = "https://api.paraswap.io"
	ParaswapVersion = "6.2"

	// Shared GraphQL endpoint used to resolve Morpho market metadata.
	MorphoGraphQLEndpoint = "https://api.morpho.org/graphql"
)

// IsAllowedAPIEndpoint accepts the canonical https endpoint for a service, or a
// loopback endpoint for tests and local development.
func IsAllowedAPIEndpoint(canonical, endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	if isLoopbackHost(parsed.Hostname()) {
		scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
		return scheme == "" || scheme == "http" || scheme == "https"
	}
	if !strings.EqualFold(strings.TrimSpace(parsed.Scheme), "https") {
		return false
	}
	allowed, err := url.Parse(canonical)
	if err != nil {
		return false
	}
	if !strings.EqualFold(parsed.Hostname(), allowed.Hostname()) {
		return false
	}
	return normalizedURLPort(parsed) == normalizedURLPort(allowed)
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func normalizedURLPort(parsed *url.URL) string {
	if parsed == nil {
		return ""
	}
	if port := strings.TrimSpace(parsed.Port()); port != "" {
		return port
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
