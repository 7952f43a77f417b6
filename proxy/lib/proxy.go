package snowflake_proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
)

// Scheduler is the exported handle a caller (proxy/main.go) uses to start
// and stop the proxy's scheduling loop, wrapping the package-private
// scheduler the session/scheduler state machine is built from.
type Scheduler struct {
	inner *scheduler
}

// NewScheduler builds the scheduler SPEC_FULL.md's Scheduler module
// describes (§4.5): it selects the HTTP or SQS broker channel, builds the
// WebRTC and WebSocket transport factories, and wires the STUN-based NAT
// prober, all from one Config.
func NewScheduler(config *Config) (*Scheduler, error) {
	broker, err := newBrokerChannel(config)
	if err != nil {
		return nil, fmt.Errorf("building broker channel: %w", err)
	}

	hostConfig := webrtcHostConfig{
		ephemeralMinPort:   config.EphemeralMinPort,
		ephemeralMaxPort:   config.EphemeralMaxPort,
		egressProxyURL:     config.EgressProxyURL,
		keepLocalAddresses: config.KeepLocalAddresses,
	}
	newPeerConnection := func(offerDescription) (clientPeerConnection, error) {
		return newWebRTCClientPeerConnection(config.ICEServers, hostConfig)
	}
	newRelayTransport := func(relayURL, clientIP string) (transport, error) {
		return newWebsocketRelayTransport(relayURL, clientIP, config.EgressProxyURL)
	}

	var prober NATProber
	if config.NATRetestInterval > 0 {
		p, err := newSTUNNATProber(config.NATProbeServer, config.EgressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("building NAT prober: %w", err)
		}
		prober = p
	}

	ui := &logClientUI{}

	return &Scheduler{inner: newScheduler(config, broker, ui, newPeerConnection, newRelayTransport, prober)}, nil
}

// Start begins serving clients; it returns immediately, running the poll
// loop (and optional NAT retest loop) in the background.
func (s *Scheduler) Start() {
	if s.inner.natProber != nil {
		// The first classification should happen before the first poll, so
		// the initial poll already carries an informed NAT type.
		if err := s.inner.retestNATType(); err != nil {
			log.Printf("initial NAT probe failed: %v", err)
		}
	}
	s.inner.start()
}

// Stop cancels the poll loop and closes every live session.
func (s *Scheduler) Stop() {
	s.inner.disable()
}

// logClientUI is the default sessionUI: it has no state of its own beyond
// the count, logged on change, since the scheduler's own sessions map (not
// this collaborator) is what the concurrency cap is enforced against.
type logClientUI struct {
	mu      sync.Mutex
	clients int
}

func (u *logClientUI) increaseClients() {
	u.mu.Lock()
	u.clients++
	n := u.clients
	u.mu.Unlock()
	log.Printf("current client count: %d", n)
}

func (u *logClientUI) decreaseClients() {
	u.mu.Lock()
	if u.clients > 0 {
		u.clients--
	}
	n := u.clients
	u.mu.Unlock()
	log.Printf("current client count: %d", n)
}

// newBrokerChannel selects the SQS or HTTP brokerChannel per config, per
// §4.3 and SPEC_FULL supplement #4.
func newBrokerChannel(config *Config) (brokerChannel, error) {
	if config.SQSQueueURL != "" && config.SQSCredsStr != "" {
		return newSQSBrokerChannel(config.SQSQueueURL, config.SQSCredsStr)
	}

	var egressProxyURL *url.URL
	if config.EgressProxyURL != "" {
		u, err := url.Parse(config.EgressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy url: %w", err)
		}
		egressProxyURL = u
	}

	var egressTransport http.RoundTripper
	if egressProxyURL != nil {
		dialer, err := socks5NetDialer(config.EgressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("building egress proxy dialer: %w", err)
		}
		egressTransport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		}
	}

	// rt stays nil (letting newHTTPBrokerChannel build its own tuned
	// default transport) unless an egress proxy or uTLS camouflage is
	// configured.
	rt := egressTransport
	if config.UTLSClientHelloID != "" {
		fallback := egressTransport
		if fallback == nil {
			fallback = &http.Transport{ResponseHeaderTimeout: httpBrokerResponseHeaderTimeout}
		}
		camouflaged, err := newUTLSRoundTripper(config.UTLSClientHelloID, config.UTLSRemoveSNI, egressProxyURL, fallback)
		if err != nil {
			return nil, err
		}
		rt = camouflaged
	}

	return newHTTPBrokerChannel(config.BrokerURL, config.ProxyType, config.AllowedRelayPattern, rt), nil
}
