package snowflake_proxy

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/namematcher"
)

func TestValidateRelayURL(t *testing.T) {
	t.Parallel()

	Convey("validateRelayURL", t, func() {
		matcher := namematcher.NewNameMatcher("snowflake.torproject.net")

		Convey("accepts a matching wss URL", func() {
			err := validateRelayURL(matcher, false, false, "wss://snowflake.torproject.net/")
			So(err, ShouldBeNil)
		})

		Convey("rejects a non-matching hostname", func() {
			err := validateRelayURL(matcher, false, false, "wss://evil.example/")
			So(err, ShouldNotBeNil)
		})

		Convey("rejects ws:// unless non-TLS relays are allowed", func() {
			err := validateRelayURL(matcher, false, false, "ws://snowflake.torproject.net/")
			So(err, ShouldNotBeNil)

			err = validateRelayURL(matcher, false, true, "ws://snowflake.torproject.net/")
			So(err, ShouldBeNil)
		})

		Convey("rejects a non-websocket scheme even with allowNonTLS", func() {
			err := validateRelayURL(matcher, false, true, "https://snowflake.torproject.net/")
			So(err, ShouldNotBeNil)
		})

		Convey("rejects an unparsable URL", func() {
			err := validateRelayURL(matcher, false, true, "://bad")
			So(err, ShouldNotBeNil)
		})

		Convey("rejects a sneaky path-embedded hostname", func() {
			err := validateRelayURL(matcher, false, false, "wss://evil.example/snowflake.torproject.net")
			So(err, ShouldNotBeNil)
		})

		Convey("rejects a private-IP relay hostname unless explicitly allowed", func() {
			privateMatcher := namematcher.NewNameMatcher("192.168.1.1")

			err := validateRelayURL(privateMatcher, false, false, "wss://192.168.1.1/")
			So(err, ShouldNotBeNil)

			err = validateRelayURL(privateMatcher, true, false, "wss://192.168.1.1/")
			So(err, ShouldBeNil)
		})
	})
}
