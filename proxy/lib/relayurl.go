package snowflake_proxy

import (
	"fmt"
	"net"
	"net/url"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/namematcher"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/util"
)

// isRemoteAddress reports whether ip is routable from outside this host:
// not a local/private address, not unspecified, not loopback.
func isRemoteAddress(ip net.IP) bool {
	return !(util.IsLocal(ip) || ip.IsUnspecified() || ip.IsLoopback())
}

// validateRelayURL implements the relay-URL validation that the scheduler's
// pollBroker performs before receiveOffer (§4.5): the broker-supplied relay
// URL must parse, must use
// the wss scheme (unless non-TLS relays are explicitly allowed), its
// hostname must satisfy the configured allowed-relay pattern (§4.2), and
// (unless private relays are explicitly allowed) a literal-IP hostname must
// not be a private/loopback/unspecified address. Any parse failure is
// reported as an error; on any error pollBroker closes the session without
// calling receiveOffer.
func validateRelayURL(matcher namematcher.NameMatcher, allowPrivateIPs, allowNonTLS bool, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("bad relay URL: %w", err)
	}
	if !allowPrivateIPs {
		if ip := net.ParseIP(parsed.Hostname()); ip != nil && !isRemoteAddress(ip) {
			return fmt.Errorf("rejected relay URL: private IPs are not allowed")
		}
	}
	if !allowNonTLS && parsed.Scheme != "wss" {
		return fmt.Errorf("rejected relay URL scheme %q: TLS required", parsed.Scheme)
	}
	if parsed.Scheme != "wss" && parsed.Scheme != "ws" {
		return fmt.Errorf("rejected relay URL scheme %q: only WebSocket is allowed", parsed.Scheme)
	}
	if !matcher.IsMember(parsed.Hostname()) {
		return fmt.Errorf("rejected relay URL: hostname %q does not match the allowed pattern", parsed.Hostname())
	}
	return nil
}
