package snowflake_proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/messages"
	utlsutil "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/utls"
)

// readLimit bounds the bytes read from a broker HTTP response body.
const readLimit = 100000

// httpBrokerResponseHeaderTimeout bounds how long the default broker
// transport waits for response headers.
const httpBrokerResponseHeaderTimeout = 15 * time.Second

// brokerChannel is the synchronous-looking request/response capability
// consumed by the scheduler (§4.3): register-and-fetch-offer, and
// submit-answer. One logical request is outstanding at a time per
// scheduler poll.
type brokerChannel interface {
	// pollOffer registers this proxy and asks for a waiting client offer in
	// one call. It returns messages.ErrNoProxyPollMatch on the expected
	// "no match" case.
	pollOffer(sid string, natType string, numClients int) (offer string, clientNAT string, relayURL string, err error)
	// sendAnswer submits the generated SDP answer for sid.
	sendAnswer(sid string, answerSDP string) error
}

// httpBrokerChannel is the default brokerChannel, talking HTTP(S) to the
// rendezvous server, optionally wrapped in a uTLS fingerprint and/or routed
// through a SOCKS5 egress proxy.
type httpBrokerChannel struct {
	url                  string // normalised, trailing slash
	proxyType            string
	acceptedRelayPattern string
	client               *http.Client
}

// newHTTPBrokerChannel builds an httpBrokerChannel against the given
// (already-normalised) broker URL. transport, if non-nil, overrides the
// default http.Transport — used to install uTLS camouflage and/or SOCKS5
// egress.
func newHTTPBrokerChannel(brokerURL, proxyType, acceptedRelayPattern string, rt http.RoundTripper) *httpBrokerChannel {
	if rt == nil {
		rt = &http.Transport{ResponseHeaderTimeout: httpBrokerResponseHeaderTimeout}
	}
	return &httpBrokerChannel{
		url:                  brokerURL,
		proxyType:            proxyType,
		acceptedRelayPattern: acceptedRelayPattern,
		client:               &http.Client{Transport: rt},
	}
}

// newUTLSRoundTripper builds the http.RoundTripper used for broker traffic
// when a uTLS ClientHello fingerprint is configured (SPEC_FULL supplement).
func newUTLSRoundTripper(clientHelloIDName string, removeSNI bool, proxyURL *url.URL, fallback http.RoundTripper) (http.RoundTripper, error) {
	id, err := utlsutil.NameToUTLSID(clientHelloIDName)
	if err != nil {
		return nil, fmt.Errorf("unable to create uTLS broker transport: %w", err)
	}
	return utlsutil.NewUTLSHTTPRoundTripperWithProxy(id, &utls.Config{}, fallback, removeSNI, proxyURL), nil
}

func (b *httpBrokerChannel) post(path string, body []byte) ([]byte, error) {
	resp, err := b.client.Post(b.url+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, readLimit))
}

func (b *httpBrokerChannel) pollOffer(sid string, natType string, numClients int) (string, string, string, error) {
	quantised := (numClients / 8) * 8
	reqBody, err := messages.EncodeProxyPollRequestWithRelayPrefix(sid, b.proxyType, natType, quantised, b.acceptedRelayPattern)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding poll request: %w", err)
	}
	respBody, err := b.post("proxy", reqBody)
	if err != nil {
		return "", "", "", err
	}
	return messages.DecodePollResponseWithRelayURL(respBody)
}

func (b *httpBrokerChannel) sendAnswer(sid string, answerSDP string) error {
	reqBody, err := messages.EncodeAnswerRequest(answerSDP, sid)
	if err != nil {
		return fmt.Errorf("encoding answer request: %w", err)
	}
	respBody, err := b.post("answer", reqBody)
	if err != nil {
		return err
	}
	ok, err := messages.DecodeAnswerResponse(respBody)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker rejected answer for session %s", sid)
	}
	return nil
}
