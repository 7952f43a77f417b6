package snowflake_proxy

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/webrtc/v4"

	snowflakeproxy "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/proxy"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/util"
)

// bufferedAmountLowThreshold is the data-channel low-water mark pion
// notifies on; it is informational here since backpressure is enforced by
// the session's MAX_BUFFER check against BufferedAmount.
const bufferedAmountLowThreshold uint64 = 256 * 1024

// webrtcHostConfig holds the knobs makeWebRTCAPI needs beyond the ICE
// server list.
type webrtcHostConfig struct {
	ephemeralMinPort, ephemeralMaxPort uint16
	outboundAddress                    string

	// egressProxyURL, if non-empty, routes ICE UDP traffic through a SOCKS5
	// gateway (SPEC_FULL supplement #3), the same one broker and relay
	// connections already use.
	egressProxyURL string

	// keepLocalAddresses, when false (the default), strips host-type ICE
	// candidates pointing at a local LAN address from the outgoing answer:
	// a snowflake proxy essentially never shares a LAN with the client it's
	// relaying for, so advertising them only leaks topology.
	keepLocalAddresses bool
}

// makeWebRTCAPI builds a pion/webrtc API instance using a virtual net
// stack (so the proxy keeps working in sandboxes without AF_NETLINK), an
// optional ephemeral UDP port range, an optional NAT1:1 outbound address
// override, multicast DNS disabled, and DTLS hello-verify skipped to cut
// one round trip.
func makeWebRTCAPI(hc webrtcHostConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}

	vnet, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("building vnet: %w", err)
	}
	if hc.egressProxyURL != "" {
		proxyURL, err := url.Parse(hc.egressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy url: %w", err)
		}
		socksClient := snowflakeproxy.NewSocks5UDPClient(proxyURL)
		se.SetNet(snowflakeproxy.NewTransportWrapper(&socksClient, vnet))
	} else {
		se.SetNet(vnet)
	}

	if hc.ephemeralMinPort != 0 && hc.ephemeralMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(hc.ephemeralMinPort, hc.ephemeralMaxPort); err != nil {
			return nil, fmt.Errorf("invalid ephemeral port range: %w", err)
		}
	}
	if hc.outboundAddress != "" {
		se.SetNAT1To1IPs([]string{hc.outboundAddress}, webrtc.ICECandidateTypeHost)
	}
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetDTLSInsecureSkipHelloVerify(true)

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

// answerDescription mirrors offerDescription for the local side: the JSON
// shape the broker expects for the stringified answer descriptor (§6).
type answerDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// webrtcPeerConnection implements clientPeerConnection over pion/webrtc.
type webrtcPeerConnection struct {
	pc                 *webrtc.PeerConnection
	keepLocalAddresses bool

	iceComplete     chan struct{}
	iceCompleteOnce sync.Once

	dataChannelAccept chan transport
}

// newWebRTCClientPeerConnection builds the peer-connection factory the
// scheduler installs on every session (newPeerConnection in session.go).
func newWebRTCClientPeerConnection(iceServers []webrtc.ICEServer, hc webrtcHostConfig) (clientPeerConnection, error) {
	api, err := makeWebRTCAPI(hc)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}

	w := &webrtcPeerConnection{
		pc:                 pc,
		keepLocalAddresses: hc.keepLocalAddresses,
		iceComplete:        make(chan struct{}),
		dataChannelAccept:  make(chan transport, 1),
	}

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			w.signalICEComplete()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Printf("new data channel %s-%d", dc.Label(), dc.ID())
		t := newWebRTCDataChannelTransport(dc)
		select {
		case w.dataChannelAccept <- t:
		default:
			log.Printf("webrtc peer connection: dropping unexpected extra data channel")
		}
	})

	return w, nil
}

func (w *webrtcPeerConnection) signalICEComplete() {
	w.iceCompleteOnce.Do(func() { close(w.iceComplete) })
}

func (w *webrtcPeerConnection) SetRemoteDescription(offerSDP string) error {
	return w.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
}

func (w *webrtcPeerConnection) CreateAnswer() error {
	answer, err := w.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := w.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	// The ICE-completion heuristic (Design Note #1): pion exposes a state
	// change rather than a null-candidate sentinel; both signal the same
	// event, so a connection that happens to gather instantly is handled
	// here too, since OnICEGatheringStateChange may have already fired by
	// the time the caller subscribes to ICEGatheringComplete.
	if w.pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		w.signalICEComplete()
	}
	return nil
}

func (w *webrtcPeerConnection) LocalDescription() (string, bool) {
	ld := w.pc.LocalDescription()
	if ld == nil {
		return "", false
	}
	sdp := ld.SDP
	if !w.keepLocalAddresses {
		sdp = util.StripLocalAddresses(sdp)
	}
	encoded, err := json.Marshal(answerDescription{Type: "answer", SDP: sdp})
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

func (w *webrtcPeerConnection) ICEGatheringComplete() <-chan struct{} { return w.iceComplete }
func (w *webrtcPeerConnection) DataChannelAccept() <-chan transport   { return w.dataChannelAccept }

func (w *webrtcPeerConnection) Close() error {
	return w.pc.Close()
}

// webrtcDataChannelTransport adapts a pion data channel to the transport
// capability (Design Note #1).
type webrtcDataChannelTransport struct {
	dc     *webrtc.DataChannel
	events chan transportEvent

	mu     sync.Mutex
	closed bool
}

func newWebRTCDataChannelTransport(dc *webrtc.DataChannel) *webrtcDataChannelTransport {
	t := &webrtcDataChannelTransport{dc: dc, events: make(chan transportEvent, 64)}

	dc.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)

	dc.OnOpen(func() {
		t.emit(transportEvent{kind: transportOpened})
	})
	dc.OnClose(func() {
		t.emit(transportEvent{kind: transportClosed})
		t.shutdown()
	})
	dc.OnError(func(err error) {
		t.emit(transportEvent{kind: transportError, err: err})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(transportEvent{kind: transportMessage, message: msg.Data})
	})

	return t
}

func (t *webrtcDataChannelTransport) emit(ev transportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		log.Printf("webrtc data channel transport: event queue full, dropping event")
	}
}

func (t *webrtcDataChannelTransport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

func (t *webrtcDataChannelTransport) Events() <-chan transportEvent { return t.events }

func (t *webrtcDataChannelTransport) Send(chunk []byte) error {
	return t.dc.Send(chunk)
}

func (t *webrtcDataChannelTransport) BufferedAmount() int {
	return int(t.dc.BufferedAmount())
}

func (t *webrtcDataChannelTransport) Close() error {
	t.shutdown()
	return t.dc.Close()
}
