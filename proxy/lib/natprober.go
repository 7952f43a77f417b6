package snowflake_proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/nat"
)

// newSTUNNATProber adapts common/nat's RFC 5780 mapping-behaviour probe into
// the NATProber hook the scheduler consumes (SPEC_FULL supplement #1). The
// core only consumes the classification string; it does not implement
// detection itself (§1 Out of scope). egressProxyURL, if non-empty, routes
// the probe's UDP traffic through a SOCKS5 gateway, matching how the relay
// and broker channels already consume Config.EgressProxyURL.
func newSTUNNATProber(stunServer, egressProxyURL string) (NATProber, error) {
	var proxyURL *url.URL
	if egressProxyURL != "" {
		u, err := url.Parse(egressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy url: %w", err)
		}
		proxyURL = u
	}

	return func(ctx context.Context) (string, error) {
		type result struct {
			restricted bool
			err        error
		}
		done := make(chan result, 1)
		go func() {
			restricted, err := nat.CheckIfRestrictedNATWithProxy(stunServer, proxyURL)
			done <- result{restricted, err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				if errors.Is(r.err, nat.ErrTimedOut) {
					return NATUnknown, nil
				}
				return "", fmt.Errorf("NAT probe: %w", r.err)
			}
			if r.restricted {
				return NATRestricted, nil
			}
			return NATUnrestricted, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, nil
}
