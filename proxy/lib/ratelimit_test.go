package snowflake_proxy

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNullRateLimiter(t *testing.T) {
	t.Parallel()

	Convey("NullRateLimiter never limits", t, func() {
		var rl RateLimiter = NullRateLimiter{}
		rl.Update(1 << 30)
		So(rl.IsLimited(), ShouldBeFalse)
		So(rl.When(), ShouldEqual, time.Duration(0))
	})
}

func TestNewTokenBucketRateLimiter(t *testing.T) {
	t.Parallel()

	Convey("NewTokenBucketRateLimiter rejects rates below the floor", t, func() {
		_, err := NewTokenBucketRateLimiter(MinRateLimit-1, 5)
		So(err, ShouldNotBeNil)
	})

	Convey("NewTokenBucketRateLimiter accepts the floor rate", t, func() {
		rl, err := NewTokenBucketRateLimiter(MinRateLimit, 5)
		So(err, ShouldBeNil)
		So(rl, ShouldNotBeNil)
	})
}

func TestTokenBucketRateLimiterWindow(t *testing.T) {
	t.Parallel()

	Convey("a token bucket limiter", t, func() {
		rl, err := NewTokenBucketRateLimiter(MinRateLimit, 1)
		So(err, ShouldBeNil)

		clock := time.Unix(0, 0)
		rl.now = func() time.Time { return clock }

		Convey("is not limited before capacity is reached", func() {
			So(rl.IsLimited(), ShouldBeFalse)
		})

		Convey("becomes limited once cumulative usage reaches capacity", func() {
			rl.Update(MinRateLimit)
			So(rl.IsLimited(), ShouldBeTrue)
		})

		Convey("un-limits once the oldest event ages out of the window", func() {
			rl.Update(MinRateLimit)
			So(rl.IsLimited(), ShouldBeTrue)

			clock = clock.Add(2 * time.Second)
			So(rl.IsLimited(), ShouldBeFalse)
		})

		Convey("When reports zero once under capacity", func() {
			So(rl.When(), ShouldEqual, time.Duration(0))
		})

		Convey("When reports a positive wait once limited", func() {
			rl.Update(MinRateLimit)
			So(rl.When(), ShouldBeGreaterThan, time.Duration(0))
		})
	})
}
