package snowflake_proxy

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewSTUNNATProberRejectsBadEgressURL(t *testing.T) {
	t.Parallel()

	Convey("newSTUNNATProber rejects an unparsable egress proxy URL", t, func() {
		_, err := newSTUNNATProber("stun.example.com:3478", "://bad")
		So(err, ShouldNotBeNil)
	})

	Convey("newSTUNNATProber accepts an empty egress proxy URL", t, func() {
		prober, err := newSTUNNATProber("stun.example.com:3478", "")
		So(err, ShouldBeNil)
		So(prober, ShouldNotBeNil)
	})
}
