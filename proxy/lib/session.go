package snowflake_proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/util"
)

// sessionState enumerates the session lifecycle states (§3). Closed is
// terminal; every other state may transition directly to Closed on error
// or timeout.
type sessionState int

const (
	stateInitialised sessionState = iota
	stateAwaitingOffer
	stateAwaitingIceComplete
	stateAwaitingClientOpen
	stateAwaitingRelayOpen
	stateForwarding
	stateClosed
)

// offerDescription mirrors the JSON shape the broker sends for an offer
// SDP (§6): {"type": "offer", "sdp": "..."}.
type offerDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// newSessionID draws a 16-hex-character session identifier (64 bits) from
// a cryptographic RNG, per §6.
func newSessionID() (string, error) {
	buf := make([]byte, sessionIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sessionUI is the collaborator interface the session notifies of client
// count changes. Of the UI operations listed in §6 only increaseClients and
// decreaseClients are part of it; status and log messages go to the
// standard logger instead.
type sessionUI interface {
	increaseClients()
	decreaseClients()
}

// session implements the per-client state machine (ProxyPair, §4.4): one
// client transport, one relay transport, two forwarding queues, pumped
// under a shared rate limit until either side disconnects.
type session struct {
	id     string
	config *Config

	rateLimiter RateLimiter
	ui          sessionUI

	relayURL string

	newPeerConnection func(offer offerDescription) (clientPeerConnection, error)
	newRelayTransport func(url, clientIP string) (transport, error)

	// onClosed is the cleanup hook the scheduler registers at construction;
	// it is identified only by session id, per Design Note #1's advice to
	// break the session/scheduler reference cycle by emitting an id-keyed
	// cleanup event rather than a callback that captures the scheduler.
	onClosed func(id string)

	mu    sync.Mutex
	state sessionState

	counted bool // true iff the UI has been told this session is active

	pc              clientPeerConnection
	clientTransport transport
	relayTransport  transport

	clientToRelay [][]byte
	relayToClient [][]byte

	inboundTotal  int64 // client -> relay
	outboundTotal int64 // relay -> client

	answered    bool // sendAnswer-once latch
	webrtcReady bool // reached Forwarding at least once; read by the scheduler's datachannelTimeout check

	clientNATType string
	clientIP      string

	relayConnectTimer *time.Timer
	staleTimer        *time.Timer
	answerTimer       *time.Timer
	flushArmed        bool
	flushTimer        *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// newSession constructs a session in the Initialised state. rateLimiter is
// shared by reference across every session owned by one scheduler.
func newSession(config *Config, rateLimiter RateLimiter, ui sessionUI, newPeerConnection func(offerDescription) (clientPeerConnection, error), newRelayTransport func(url, clientIP string) (transport, error), onClosed func(string)) (*session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	return &session{
		id:                id,
		config:            config,
		rateLimiter:       rateLimiter,
		ui:                ui,
		relayURL:          config.DefaultRelayURL,
		newPeerConnection: newPeerConnection,
		newRelayTransport: newRelayTransport,
		onClosed:          onClosed,
		state:             stateInitialised,
		done:              make(chan struct{}),
	}, nil
}

// firstPublicCandidateIP extracts a public-looking ICE candidate address
// from the client's offer SDP (§6), for attribution in the relay_url's
// client_ip query parameter. Returns "" if none is found.
func firstPublicCandidateIP(offerSDP string) string {
	for _, ip := range util.GetCandidateAddrs(offerSDP) {
		if isRemoteAddress(ip) {
			return ip.String()
		}
	}
	return ""
}

func (s *session) dispatch(e event.SnowflakeEvent) {
	if s.config.EventDispatcher != nil {
		s.config.EventDispatcher.OnNewSnowflakeEvent(e)
	}
}

// setRelayURL overrides the default relay, per §4.4. Only the scheduler's
// pollBroker calls this, once, after validateRelayURL has accepted the
// broker-supplied URL and before receiveOffer runs.
func (s *session) setRelayURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayURL = url
}

// begin creates the client-side transport and transitions to
// AwaitingOffer (§4.4).
func (s *session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInitialised {
		return fmt.Errorf("session %s: begin called out of order", s.id)
	}
	pc, err := s.newPeerConnection(offerDescription{})
	if err != nil {
		return fmt.Errorf("session %s: creating peer connection: %w", s.id, err)
	}
	s.pc = pc
	s.state = stateAwaitingOffer
	go s.runSignaling()
	return nil
}

// receiveOffer implements §4.4's receiveOffer contract. sendAnswer is
// invoked at most once, carrying the local SDP description.
func (s *session) receiveOffer(offerSDPJSON string, sendAnswer func(answerSDP string) error) bool {
	var offer offerDescription
	if err := json.Unmarshal([]byte(offerSDPJSON), &offer); err != nil {
		log.Printf("session %s: unparsable offer: %v", s.id, err)
		return false
	}
	if offer.Type != "offer" {
		log.Printf("session %s: rejected offer of type %q", s.id, offer.Type)
		return false
	}

	s.mu.Lock()
	s.clientIP = firstPublicCandidateIP(offer.SDP)
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return false
	}

	if err := pc.SetRemoteDescription(offer.SDP); err != nil {
		log.Printf("session %s: setRemoteDescription failed: %v", s.id, err)
		return false
	}
	if err := pc.CreateAnswer(); err != nil {
		log.Printf("session %s: createAnswer failed: %v", s.id, err)
		s.close()
		return false
	}

	s.mu.Lock()
	s.state = stateAwaitingIceComplete
	s.answerTimer = time.AfterFunc(s.config.AnswerTimeout, func() {
		s.sendAnswerOnce(pc, sendAnswer)
	})
	s.mu.Unlock()

	go func() {
		select {
		case <-pc.ICEGatheringComplete():
			s.sendAnswerOnce(pc, sendAnswer)
		case <-s.done:
		}
	}()

	return true
}

// sendAnswerOnce is the idempotent latch guarding the two racing exits
// from ICE gathering described in Design Note #1.
func (s *session) sendAnswerOnce(pc clientPeerConnection, sendAnswer func(string) error) {
	s.mu.Lock()
	if s.answered || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.answered = true
	if s.answerTimer != nil {
		s.answerTimer.Stop()
	}
	s.mu.Unlock()

	sdp, ok := pc.LocalDescription()
	if !ok {
		// No local description yet; the datachannel timeout in the
		// scheduler will eventually close the session.
		return
	}
	if err := sendAnswer(sdp); err != nil {
		log.Printf("session %s: sendAnswer failed: %v", s.id, err)
	}
}

// runSignaling waits for the client's data channel to open and then pumps
// events for both transports until the session closes.
func (s *session) runSignaling() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	select {
	case t := <-pc.DataChannelAccept():
		s.onClientTransport(t)
	case <-s.done:
		return
	}
}

func (s *session) onClientTransport(t transport) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.clientTransport = t
	s.state = stateAwaitingClientOpen
	s.mu.Unlock()

	go s.pumpEvents(t, false)
}

// pumpEvents is the per-transport event loop; fromRelay is true when t is
// the relay transport, false for the client transport.
func (s *session) pumpEvents(t transport, fromRelay bool) {
	for {
		select {
		case ev, more := <-t.Events():
			if !more {
				return
			}
			switch ev.kind {
			case transportOpened:
				s.onTransportOpened(fromRelay)
			case transportMessage:
				s.onMessage(fromRelay, ev.message)
			case transportClosed, transportError:
				s.onTransportDown(fromRelay, ev.err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) onTransportOpened(fromRelay bool) {
	s.mu.Lock()
	if fromRelay {
		if s.relayConnectTimer != nil {
			s.relayConnectTimer.Stop()
		}
		s.state = stateForwarding
		s.webrtcReady = true
		s.mu.Unlock()
		return
	}

	s.counted = true
	s.staleTimer = time.AfterFunc(s.config.MessageTimeout, s.onStale)
	relayURL := s.relayURL
	clientIP := s.clientIP
	s.state = stateAwaitingRelayOpen
	s.mu.Unlock()

	if s.ui != nil {
		s.ui.increaseClients()
	}
	s.dispatch(event.EventOnProxyClientConnected{SessionID: s.id})

	relay, err := s.newRelayTransport(relayURL, clientIP)
	if err != nil {
		log.Printf("session %s: opening relay transport: %v", s.id, err)
		s.close()
		return
	}
	s.mu.Lock()
	s.relayTransport = relay
	s.relayConnectTimer = time.AfterFunc(5*time.Second, s.onRelayConnectTimeout)
	s.mu.Unlock()
	go s.pumpEvents(relay, true)
}

func (s *session) onRelayConnectTimeout() {
	s.mu.Lock()
	if s.state == stateClosed || s.state == stateForwarding {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	log.Printf("session %s: relay connect timed out", s.id)
	s.close()
}

func (s *session) onStale() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	log.Printf("session %s: stale-message watchdog fired", s.id)
	s.flush()
	s.close()
}

func (s *session) onMessage(fromRelay bool, chunk []byte) {
	s.mu.Lock()
	if !fromRelay {
		// Keep-alive from the client resets the stale watchdog.
		if s.staleTimer != nil {
			s.staleTimer.Reset(s.config.MessageTimeout)
		}
		s.clientToRelay = append(s.clientToRelay, chunk)
	} else {
		s.relayToClient = append(s.relayToClient, chunk)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *session) onTransportDown(fromRelay bool, err error) {
	if err != nil {
		log.Printf("session %s: transport closed: %v", s.id, err)
	}
	s.flush()
	s.close()
}

// flush implements the §4.4 flush algorithm: loop while the rate limiter
// isn't limited and progress is being made in either direction; pop one
// queued chunk per direction per iteration, subject to MAX_BUFFER
// backpressure, and re-arm a single deferred flush if work remains.
func (s *session) flush() {
	for {
		if s.rateLimiter.IsLimited() {
			break
		}
		progress := false

		if s.tryDeliver(false) {
			progress = true
		}
		if s.tryDeliver(true) {
			progress = true
		}

		if !progress {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := len(s.clientToRelay) > 0 || len(s.relayToClient) > 0
	if remaining && !s.flushArmed {
		s.flushArmed = true
		s.flushTimer = time.AfterFunc(s.rateLimiter.When(), func() {
			s.mu.Lock()
			s.flushArmed = false
			s.mu.Unlock()
			s.flush()
		})
	}
}

// tryDeliver pops and sends one chunk toward the relay (toRelay == true)
// or toward the client (toRelay == false). Returns whether it made
// progress.
func (s *session) tryDeliver(toRelay bool) bool {
	s.mu.Lock()
	var queue *[][]byte
	var dest transport
	if toRelay {
		queue = &s.clientToRelay
		dest = s.relayTransport
	} else {
		queue = &s.relayToClient
		dest = s.clientTransport
	}
	if len(*queue) == 0 || dest == nil {
		s.mu.Unlock()
		return false
	}
	if dest.BufferedAmount() >= MaxBuffer {
		s.mu.Unlock()
		return false
	}
	chunk := (*queue)[0]
	*queue = (*queue)[1:]
	s.mu.Unlock()

	if err := dest.Send(chunk); err != nil {
		log.Printf("session %s: send failed: %v", s.id, err)
		return false
	}
	s.rateLimiter.Update(int64(len(chunk)))

	s.mu.Lock()
	if toRelay {
		s.inboundTotal += int64(len(chunk))
	} else {
		s.outboundTotal += int64(len(chunk))
	}
	s.mu.Unlock()
	return true
}

// close is idempotent: it cancels every timer, closes whichever
// transports are open, decrements the UI count if counted, and invokes
// the cleanup hook exactly once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		if s.relayConnectTimer != nil {
			s.relayConnectTimer.Stop()
		}
		if s.staleTimer != nil {
			s.staleTimer.Stop()
		}
		if s.answerTimer != nil {
			s.answerTimer.Stop()
		}
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
		counted := s.counted
		s.counted = false
		pc := s.pc
		clientTransport := s.clientTransport
		relayTransport := s.relayTransport
		inbound := s.inboundTotal
		outbound := s.outboundTotal
		s.mu.Unlock()

		close(s.done)

		if pc != nil {
			pc.Close()
		}
		if clientTransport != nil {
			clientTransport.Close()
		}
		if relayTransport != nil {
			relayTransport.Close()
		}
		if counted && s.ui != nil {
			s.ui.decreaseClients()
		}
		if counted {
			s.dispatch(event.EventOnProxyConnectionOver{
				SessionID:       s.id,
				InboundTraffic:  inbound,
				OutboundTraffic: outbound,
			})
		}
		if s.onClosed != nil {
			s.onClosed(s.id)
		}
	})
}

// isForwarding reports whether the session reached the Forwarding state,
// used by the scheduler's datachannelTimeout check (§4.5).
func (s *session) isForwarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webrtcReady
}
