package snowflake_proxy

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	Convey("NewConfig fills in defaults on a zero-value Config", t, func() {
		c, err := NewConfig(Config{})
		So(err, ShouldBeNil)
		So(c.BrokerURL, ShouldEqual, "https://"+DefaultBrokerURL+"/")
		So(c.DefaultRelayURL, ShouldEqual, DefaultRelayURL)
		So(c.AllowedRelayPattern, ShouldEqual, DefaultAllowedRelayPattern)
		So(c.MaxNumClients, ShouldEqual, uint(1))
		So(c.ProxyType, ShouldEqual, DefaultProxyType)
		So(c.NATProbeServer, ShouldEqual, "stun.l.google.com:19302")
		So(c.EventDispatcher, ShouldNotBeNil)
	})

	Convey("NewConfig rejects a rate limit below the floor", t, func() {
		_, err := NewConfig(Config{RateLimitBytesPerSecond: MinRateLimit - 1})
		So(err, ShouldNotBeNil)
	})

	Convey("NewConfig accepts an unlimited (zero) rate limit", t, func() {
		c, err := NewConfig(Config{RateLimitBytesPerSecond: 0})
		So(err, ShouldBeNil)
		_, ok := c.RateLimiter().(NullRateLimiter)
		So(ok, ShouldBeTrue)
	})

	Convey("NewConfig rejects an invalid relay hostname pattern", t, func() {
		_, err := NewConfig(Config{AllowedRelayPattern: "^"})
		So(err, ShouldNotBeNil)
	})

	Convey("NewConfig accepts a socks5 egress proxy URL", t, func() {
		_, err := NewConfig(Config{EgressProxyURL: "socks5://localhost:9050"})
		So(err, ShouldBeNil)
	})

	Convey("NewConfig rejects a non-socks5 egress proxy URL", t, func() {
		_, err := NewConfig(Config{EgressProxyURL: "http://localhost:8080"})
		So(err, ShouldNotBeNil)
	})
}

func TestNormalizeBrokerURL(t *testing.T) {
	t.Parallel()

	Convey("normalizeBrokerURL", t, func() {
		So(normalizeBrokerURL("snowflake-broker.example.com"), ShouldEqual, "https://snowflake-broker.example.com/")
		So(normalizeBrokerURL("localhost:8000"), ShouldEqual, "http://localhost:8000/")
		So(normalizeBrokerURL("https://example.com/"), ShouldEqual, "https://example.com/")
		So(normalizeBrokerURL("http://example.com"), ShouldEqual, "http://example.com/")
	})
}
