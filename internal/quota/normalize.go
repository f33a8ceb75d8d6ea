package quota

import "strings"

// normalizeEndpoint lowercases and trims an endpoint path so ledger rows and
// endpoint cost lookups agree on one spelling.
func normalizeEndpoint(endpoint string) string {
	return strings.ToLower(strings.TrimSpace(endpoint))
}

// normalizeMethod uppercases and trims an HTTP method.
func normalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}
