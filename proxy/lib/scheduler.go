package snowflake_proxy

import (
	"context"
	"log"
	"sync"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/messages"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/task"
)

// natFailureThreshold is the number of consecutive datachannel-timeout
// failures, each reporting the client's NAT as restricted, that causes the
// scheduler's own NAT classification to transition to restricted (§4.5,
// §8 "NAT inference").
const natFailureThreshold = 3

// NATProber is the collaborator hook that determines this proxy's own NAT
// classification (SPEC_FULL supplement #1); the core consumes its result
// but does not implement detection, per §1's "Out of scope" clause. A nil
// NATProber leaves the scheduler's NAT classification at NATUnknown except
// for the one-way adaptive-policy transition to NATRestricted.
type NATProber func(ctx context.Context) (string, error)

// scheduler implements the Snowflake scheduler (§4.5): owns the live
// session set, runs the adaptive broker poll loop, applies the
// NAT-inference heuristic, and enforces the concurrency cap.
type scheduler struct {
	config      *Config
	broker      brokerChannel
	ui          sessionUI
	rateLimiter RateLimiter
	dispatcher  event.SnowflakeEventDispatcher

	newPeerConnection func(offerDescription) (clientPeerConnection, error)
	newRelayTransport func(url, clientIP string) (transport, error)

	natProber        NATProber
	natRetestTask    *task.Periodic

	mu           sync.Mutex
	sessions     map[string]*session
	pollInterval time.Duration
	retries      int
	natFailures  int
	ownNATType   string
	maxClients   uint
	pollTimer    *time.Timer
	disabled     bool
}

// newScheduler constructs a scheduler in its initial state: zero retries,
// no sessions, the shared rate limiter the configuration specifies.
func newScheduler(config *Config, broker brokerChannel, ui sessionUI, newPeerConnection func(offerDescription) (clientPeerConnection, error), newRelayTransport func(url, clientIP string) (transport, error), natProber NATProber) *scheduler {
	s := &scheduler{
		config:            config,
		broker:            broker,
		ui:                ui,
		rateLimiter:       config.RateLimiter(),
		dispatcher:        config.EventDispatcher,
		newPeerConnection: newPeerConnection,
		newRelayTransport: newRelayTransport,
		natProber:         natProber,
		sessions:          make(map[string]*session),
		pollInterval:      config.PollInterval,
		ownNATType:        NATUnknown,
		maxClients:        config.MaxNumClients,
	}
	if natProber != nil && config.NATRetestInterval > 0 {
		s.natRetestTask = &task.Periodic{
			Interval: config.NATRetestInterval,
			Execute:  s.retestNATType,
			OnError: func(err error) {
				log.Printf("scheduler: NAT retest failed: %v", err)
			},
		}
	}
	return s
}

// start kicks off the poll loop (and NAT retest loop, if configured).
func (s *scheduler) start() {
	if s.natRetestTask != nil {
		s.natRetestTask.WaitThenStart()
	}
	s.beginServingClients()
}

// retestNATType re-invokes the NAT-probe collaborator. Per Design Note #1
// ("NAT learning is one-way"), this never walks the classification back to
// unknown or unrestricted once it has settled on restricted through the
// adaptive-policy path; it only updates ownNATType when the probe itself
// succeeds.
func (s *scheduler) retestNATType() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	natType, err := s.natProber(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.ownNATType == NATRestricted {
		natType = NATRestricted
	}
	s.ownNATType = natType
	s.mu.Unlock()
	s.dispatcher.OnNewSnowflakeEvent(event.EventOnCurrentNATTypeDetermined{CurNATType: natType})
	return nil
}

// beginServingClients runs one pollBroker pass iff under the concurrency
// cap, then unconditionally re-arms the poll timer (§4.5: "polling
// continues even at capacity; the pass is skipped but rescheduling
// proceeds").
func (s *scheduler) beginServingClients() {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	liveSessions := len(s.sessions)
	maxClients := s.maxClients
	interval := s.pollInterval
	s.mu.Unlock()

	if uint(liveSessions) < maxClients {
		s.pollBroker()
	}

	s.mu.Lock()
	if !s.disabled {
		s.pollTimer = time.AfterFunc(interval, s.beginServingClients)
	}
	s.mu.Unlock()
}

// pollBroker implements §4.5's pollBroker algorithm.
func (s *scheduler) pollBroker() {
	sess, err := newSession(s.config, s.rateLimiter, s.ui, s.newPeerConnection, s.newRelayTransport, s.removeSession)
	if err != nil {
		log.Printf("scheduler: creating session: %v", err)
		return
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	liveCount := len(s.sessions)
	natType := s.ownNATType
	s.retries++
	s.mu.Unlock()

	if err := sess.begin(); err != nil {
		log.Printf("scheduler: %v", err)
		sess.close()
		return
	}

	offer, clientNAT, relayURL, err := s.broker.pollOffer(sess.id, natType, liveCount)
	if err != nil {
		reason := "no match"
		if err != messages.ErrNoProxyPollMatch {
			reason = err.Error()
			log.Printf("scheduler: broker poll failed: %v", err)
		}
		s.dispatcher.OnNewSnowflakeEvent(event.EventOnBrokerPollFailed{SessionID: sess.id, Reason: reason})
		sess.close()
		return
	}

	sess.clientNATType = clientNAT

	if relayURL != "" {
		if err := validateRelayURL(s.config.RelayMatcher(), s.config.AllowPrivateRelayIPs, s.config.AllowNonTLSRelay, relayURL); err != nil {
			log.Printf("scheduler: rejecting relay URL for session %s: %v", sess.id, err)
			s.dispatcher.OnNewSnowflakeEvent(event.EventOnBrokerPollFailed{SessionID: sess.id, Reason: err.Error()})
			sess.close()
			return
		}
		sess.setRelayURL(relayURL)
	}

	accepted := sess.receiveOffer(offer, func(answerSDP string) error {
		return s.broker.sendAnswer(sess.id, answerSDP)
	})
	if !accepted {
		sess.close()
		return
	}

	time.AfterFunc(s.config.DatachannelTimeout, func() {
		s.onDatachannelTimeout(sess)
	})
}

// onDatachannelTimeout implements §4.5's adaptive poll-interval policy,
// applied when the datachannelTimeout callback fires.
func (s *scheduler) onDatachannelTimeout(sess *session) {
	ready := sess.isForwarding()
	if !ready {
		s.dispatcher.OnNewSnowflakeEvent(event.EventOnBrokerPollFailed{SessionID: sess.id, Reason: "datachannel timeout"})
		sess.close()
	}

	s.mu.Lock()
	if !ready {
		s.pollInterval = minDuration(s.pollInterval+s.config.PollAdjustment, s.config.SlowestPollInterval)
		if sess.clientNATType == NATRestricted {
			s.natFailures++
			if s.natFailures >= natFailureThreshold {
				s.ownNATType = NATRestricted
				s.natFailures = 0
				s.maxClients = 1
			}
		}
	} else {
		s.pollInterval = maxDuration(s.pollInterval-s.config.PollAdjustment, s.config.PollInterval)
		s.natFailures = 0
		if s.ownNATType == NATUnrestricted {
			s.pollInterval = s.config.FastPollInterval
			s.maxClients = 2
		}
	}
	newInterval := s.pollInterval
	ownNAT := s.ownNATType
	s.mu.Unlock()

	s.dispatcher.OnNewSnowflakeEvent(event.EventOnPollIntervalChanged{
		NewInterval: newInterval.String(),
		OwnNATType:  ownNAT,
	})
}

// removeSession is the cleanup hook every session registers at
// construction; it is keyed only by session id (Design Note #1).
func (s *scheduler) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// disable cancels the poll timer and closes every live session (§4.5).
func (s *scheduler) disable() {
	s.mu.Lock()
	s.disabled = true
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if s.natRetestTask != nil {
		s.natRetestTask.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
