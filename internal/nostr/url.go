package nostr

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeRelayURL validates a relay URL and returns its canonical form:
// lowercase scheme and host, explicit port kept, trailing slash stripped.
func NormalizeRelayURL(relayURL string) (string, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return "", fmt.Errorf("empty relay url")
	}

	// Quick reject for obviously bad URLs (no protocol)
	if !strings.Contains(relayURL, "://") {
		return "", fmt.Errorf("relay url %q has no scheme", relayURL)
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return "", fmt.Errorf("relay url %q has more than one scheme", relayURL)
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relay url %q must use ws:// or wss://", relayURL)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return "", fmt.Errorf("relay url %q has no valid host", relayURL)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result, nil
}
