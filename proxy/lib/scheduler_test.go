package snowflake_proxy

import (
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/messages"
)

// fakeBroker is an in-memory brokerChannel: it always returns the same
// scripted offer and records every submitted answer.
type fakeBroker struct {
	mu       sync.Mutex
	polls    int
	offer    string
	pollErr  error
	answerErrs []string
}

func (b *fakeBroker) pollOffer(sid, natType string, numClients int) (string, string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.pollErr != nil {
		return "", "", "", b.pollErr
	}
	return b.offer, "unknown", "", nil
}

func (b *fakeBroker) sendAnswer(sid, answerSDP string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answerErrs = append(b.answerErrs, answerSDP)
	return nil
}

func TestSchedulerSkipsPollAtCapacity(t *testing.T) {
	t.Parallel()

	Convey("beginServingClients skips pollBroker once at the concurrency cap", t, func() {
		config := testConfig(t)
		config.MaxNumClients = 1
		broker := &fakeBroker{pollErr: messages.ErrNoProxyPollMatch}
		ui := &fakeUI{}

		s := newScheduler(config, broker, ui,
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)

		// Manually populate the live-session set to simulate being at
		// capacity, without going through a real poll.
		sess, err := newSession(config, NullRateLimiter{}, ui,
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			func(string) {})
		So(err, ShouldBeNil)
		s.sessions[sess.id] = sess

		s.beginServingClients()
		s.disable()

		broker.mu.Lock()
		defer broker.mu.Unlock()
		So(broker.polls, ShouldEqual, 0)
	})
}

func TestSchedulerPollBrokerNoMatchClosesSession(t *testing.T) {
	t.Parallel()

	Convey("pollBroker removes the session on a no-match poll", t, func() {
		config := testConfig(t)
		broker := &fakeBroker{pollErr: messages.ErrNoProxyPollMatch}
		ui := &fakeUI{}

		s := newScheduler(config, broker, ui,
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)

		s.pollBroker()
		time.Sleep(10 * time.Millisecond)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(len(s.sessions), ShouldEqual, 0)
	})
}

func TestSchedulerPollBrokerRejectsBadRelayURL(t *testing.T) {
	t.Parallel()

	Convey("pollBroker closes the session when the broker-chosen relay URL is rejected", t, func() {
		config := testConfig(t)
		broker := &fakeBroker{offer: `{"type":"offer","sdp":"v=0"}`}
		ui := &fakeUI{}

		s := newScheduler(config, broker, ui,
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)

		// Force a relay URL that won't match the default allowed pattern.
		s.broker = &fakeBrokerWithRelay{fakeBroker: fakeBroker{offer: broker.offer}, relayURL: "wss://evil.example/"}

		s.pollBroker()
		time.Sleep(10 * time.Millisecond)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(len(s.sessions), ShouldEqual, 0)
	})
}

// fakeBrokerWithRelay extends fakeBroker to additionally return a
// broker-chosen relay URL, exercising validateRelayURL's rejection path.
type fakeBrokerWithRelay struct {
	fakeBroker
	relayURL string
}

func (b *fakeBrokerWithRelay) pollOffer(sid, natType string, numClients int) (string, string, string, error) {
	offer, clientNAT, _, err := b.fakeBroker.pollOffer(sid, natType, numClients)
	return offer, clientNAT, b.relayURL, err
}

// newTestSession builds a bare session for exercising onDatachannelTimeout
// directly, without going through a real poll/offer/signalling exchange.
func newTestSession(t *testing.T, config *Config) *session {
	t.Helper()
	sess, err := newSession(config, NullRateLimiter{}, &fakeUI{},
		func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
		func(string, string) (transport, error) { return newFakeTransport(), nil },
		func(string) {})
	if err != nil {
		t.Fatalf("building test session: %v", err)
	}
	return sess
}

func TestSchedulerOnDatachannelTimeoutGrowsIntervalOnFailure(t *testing.T) {
	t.Parallel()

	Convey("onDatachannelTimeout grows the poll interval on a failed session", t, func() {
		config := testConfig(t)
		config.PollAdjustment = time.Second
		config.SlowestPollInterval = time.Hour
		config.PollInterval = 10 * time.Second

		s := newScheduler(config, &fakeBroker{}, &fakeUI{},
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)
		s.pollInterval = config.PollInterval

		sess := newTestSession(t, config)
		sess.clientNATType = NATUnknown

		s.onDatachannelTimeout(sess)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(s.pollInterval, ShouldEqual, config.PollInterval+config.PollAdjustment)
		So(s.natFailures, ShouldEqual, 0)
	})
}

func TestSchedulerOnDatachannelTimeoutNATInferenceAfterThreeRestrictedFailures(t *testing.T) {
	t.Parallel()

	Convey("three consecutive restricted-client failures flip our own NAT to restricted", t, func() {
		config := testConfig(t)

		s := newScheduler(config, &fakeBroker{}, &fakeUI{},
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)

		for i := 0; i < natFailureThreshold-1; i++ {
			sess := newTestSession(t, config)
			sess.clientNATType = NATRestricted
			s.onDatachannelTimeout(sess)

			s.mu.Lock()
			So(s.ownNATType, ShouldEqual, NATUnknown)
			So(s.natFailures, ShouldEqual, i+1)
			s.mu.Unlock()
		}

		sess := newTestSession(t, config)
		sess.clientNATType = NATRestricted
		s.onDatachannelTimeout(sess)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(s.ownNATType, ShouldEqual, NATRestricted)
		So(s.natFailures, ShouldEqual, 0)
		So(s.maxClients, ShouldEqual, uint(1))
	})
}

func TestSchedulerOnDatachannelTimeoutShrinksIntervalOnSuccess(t *testing.T) {
	t.Parallel()

	Convey("onDatachannelTimeout shrinks the poll interval and resets natFailures on a forwarding session", t, func() {
		config := testConfig(t)
		config.PollAdjustment = time.Second
		config.PollInterval = 10 * time.Second

		s := newScheduler(config, &fakeBroker{}, &fakeUI{},
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)
		s.pollInterval = 20 * time.Second
		s.natFailures = 2

		sess := newTestSession(t, config)
		sess.webrtcReady = true

		s.onDatachannelTimeout(sess)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(s.pollInterval, ShouldEqual, 19*time.Second)
		So(s.natFailures, ShouldEqual, 0)
	})
}

func TestSchedulerOnDatachannelTimeoutFastPollWhenOwnNATUnrestricted(t *testing.T) {
	t.Parallel()

	Convey("a successful session uses the fast poll interval once our own NAT is unrestricted", t, func() {
		config := testConfig(t)

		s := newScheduler(config, &fakeBroker{}, &fakeUI{},
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)
		s.ownNATType = NATUnrestricted

		sess := newTestSession(t, config)
		sess.webrtcReady = true

		s.onDatachannelTimeout(sess)

		s.mu.Lock()
		defer s.mu.Unlock()
		So(s.pollInterval, ShouldEqual, config.FastPollInterval)
		So(s.maxClients, ShouldEqual, uint(2))
	})
}

func TestSchedulerOnDatachannelTimeoutDispatchesBrokerPollFailed(t *testing.T) {
	t.Parallel()

	Convey("onDatachannelTimeout dispatches EventOnBrokerPollFailed on a failed session", t, func() {
		config := testConfig(t)

		var mu sync.Mutex
		var fired int
		config.EventDispatcher.AddSnowflakeEventListener(receiverFunc(func(e event.SnowflakeEvent) {
			if _, ok := e.(event.EventOnBrokerPollFailed); ok {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}))

		s := newScheduler(config, &fakeBroker{}, &fakeUI{},
			func(offerDescription) (clientPeerConnection, error) { return newFakePeerConnection(), nil },
			func(string, string) (transport, error) { return newFakeTransport(), nil },
			nil)

		sess := newTestSession(t, config)
		s.onDatachannelTimeout(sess)

		mu.Lock()
		defer mu.Unlock()
		So(fired, ShouldEqual, 1)
	})
}
