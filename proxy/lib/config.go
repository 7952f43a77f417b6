package snowflake_proxy

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/namematcher"
	snowflakeproxy "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/proxy"
)

// Defaults matching the bit-exact values called out for compatibility.
const (
	DefaultBrokerURL           = "snowflake-broker.freehaven.net"
	DefaultRelayURL            = "wss://snowflake.freehaven.net"
	DefaultAllowedRelayPattern = "snowflake.torproject.net"
	DefaultSTUNURL             = "stun:stun.l.google.com:19302"
	DefaultProxyType           = "standalone"

	DefaultPollInterval        = 60 * time.Second
	FastPollInterval           = 30 * time.Second
	SlowestPollInterval        = 6 * time.Hour
	PollIntervalAdjustment     = 100 * time.Second
	DefaultDatachannelTimeout  = 20 * time.Second
	DefaultMessageTimeout      = 30 * time.Second
	DefaultAnswerTimeout       = 6 * time.Second
	DefaultRateLimitWindowSecs = 5.0

	// MaxBuffer is the per-transport buffered-bytes high-water mark gating
	// flush writes (§5 Backpressure).
	MaxBuffer = 10 * 1024 * 1024 // 10 MiB

	sessionIDLength = 16
)

// NAT classifications exchanged with the broker and used by the adaptive
// poll-interval policy.
const (
	NATUnknown      = "unknown"
	NATRestricted   = "restricted"
	NATUnrestricted = "unrestricted"
)

// Config is the plain, immutable-once-built parameter record consumed by
// every component (§4.6). Required values may be overridden at
// construction; zero-valued fields fall back to the defaults above when
// NewConfig is used.
type Config struct {
	BrokerURL              string
	DefaultRelayURL         string
	AllowedRelayPattern     string
	AllowNonTLSRelay        bool
	AllowPrivateRelayIPs    bool
	RateLimitBytesPerSecond int64 // 0 = unlimited
	RateLimitWindow         float64

	PollInterval        time.Duration
	FastPollInterval    time.Duration
	SlowestPollInterval time.Duration
	PollAdjustment      time.Duration

	DatachannelTimeout time.Duration
	MessageTimeout     time.Duration
	AnswerTimeout      time.Duration

	MaxNumClients uint

	ICEServers []webrtc.ICEServer

	ProxyType string

	KeepLocalAddresses bool
	EphemeralMinPort   uint16
	EphemeralMaxPort   uint16

	// EgressProxyURL routes broker and relay traffic through a SOCKS5
	// gateway when set (SPEC_FULL supplement).
	EgressProxyURL string

	// UTLSClientHelloID selects a uTLS fingerprint for broker HTTP traffic
	// when non-empty (SPEC_FULL supplement).
	UTLSClientHelloID string
	UTLSRemoveSNI     bool

	// SQSQueueURL and SQSCredsStr select the SQS rendezvous channel instead
	// of the default HTTP broker channel when both are non-empty (SPEC_FULL
	// supplement).
	SQSQueueURL  string
	SQSCredsStr  string

	// MetricsAddr, when non-empty, starts a Prometheus metrics listener
	// (SPEC_FULL supplement).
	MetricsAddr string

	// NATRetestInterval controls how often the NAT-probe collaborator is
	// re-invoked (SPEC_FULL supplement #1). 0 disables the probe altogether:
	// NewScheduler then builds no prober, so there is no initial probe either.
	NATRetestInterval time.Duration

	// NATProbeServer is the STUN host:port the NAT-probe collaborator tests
	// mapping behaviour against (SPEC_FULL supplement #1). Defaults to the
	// host:port portion of DefaultSTUNURL.
	NATProbeServer string

	EventDispatcher event.SnowflakeEventDispatcher

	relayMatcher namematcher.NameMatcher
}

// NewConfig fills in unset fields with defaults and validates the result,
// per §4.1's configuration-rejection rule and §4.2's pattern validity
// requirement.
func NewConfig(c Config) (*Config, error) {
	if c.BrokerURL == "" {
		c.BrokerURL = DefaultBrokerURL
	}
	if c.DefaultRelayURL == "" {
		c.DefaultRelayURL = DefaultRelayURL
	}
	if c.AllowedRelayPattern == "" {
		c.AllowedRelayPattern = DefaultAllowedRelayPattern
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindowSecs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FastPollInterval <= 0 {
		c.FastPollInterval = FastPollInterval
	}
	if c.SlowestPollInterval <= 0 {
		c.SlowestPollInterval = SlowestPollInterval
	}
	if c.PollAdjustment <= 0 {
		c.PollAdjustment = PollIntervalAdjustment
	}
	if c.DatachannelTimeout <= 0 {
		c.DatachannelTimeout = DefaultDatachannelTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = DefaultAnswerTimeout
	}
	if c.MaxNumClients == 0 {
		c.MaxNumClients = 1
	}
	if c.ProxyType == "" {
		c.ProxyType = DefaultProxyType
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}
	if c.EventDispatcher == nil {
		c.EventDispatcher = event.NewSnowflakeEventDispatcher()
	}
	if c.NATProbeServer == "" {
		c.NATProbeServer = strings.TrimPrefix(DefaultSTUNURL, "stun:")
	}

	if c.RateLimitBytesPerSecond != 0 && c.RateLimitBytesPerSecond < MinRateLimit {
		return nil, fmt.Errorf("rate limit %d bytes/s is below the minimum of %d bytes/s", c.RateLimitBytesPerSecond, MinRateLimit)
	}
	if c.EgressProxyURL != "" {
		u, err := url.Parse(c.EgressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy url: %w", err)
		}
		if err := snowflakeproxy.CheckProxyProtocolSupport(u); err != nil {
			return nil, fmt.Errorf("egress proxy: %w", err)
		}
	}
	if !namematcher.IsValidRule(c.AllowedRelayPattern) {
		return nil, fmt.Errorf("invalid allowed relay hostname pattern: %q", c.AllowedRelayPattern)
	}
	c.relayMatcher = namematcher.NewNameMatcher(c.AllowedRelayPattern)

	c.BrokerURL = normalizeBrokerURL(c.BrokerURL)

	return &c, nil
}

// RelayMatcher returns the compiled allowed-relay-hostname matcher.
func (c *Config) RelayMatcher() namematcher.NameMatcher {
	return c.relayMatcher
}

// RateLimiter builds the rate limiter this configuration specifies: null if
// no limit was configured, token-bucket otherwise.
func (c *Config) RateLimiter() RateLimiter {
	if c.RateLimitBytesPerSecond == 0 {
		return NullRateLimiter{}
	}
	rl, err := NewTokenBucketRateLimiter(c.RateLimitBytesPerSecond, c.RateLimitWindow)
	if err != nil {
		// NewConfig already validated the floor; this cannot happen.
		return NullRateLimiter{}
	}
	return rl
}

// normalizeBrokerURL applies the URL-normalisation rule from §4.3: prefix
// http:// for localhost, https:// otherwise, and ensure a trailing slash.
func normalizeBrokerURL(raw string) string {
	url := raw
	if strings.HasPrefix(url, "localhost") {
		url = "http://" + url
	} else if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url
}
