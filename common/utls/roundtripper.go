// Package utls provides an http.RoundTripper that performs the TLS
// handshake with a uTLS ClientHello fingerprint instead of Go's native
// crypto/tls one, so that a censor fingerprinting outbound broker traffic
// sees the ClientHello of an ordinary browser rather than of a Go binary.
package utls

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// UTLSRoundTripper dials with a uTLS ClientHello fingerprint and multiplexes
// onto http2.Transport or http.Transport depending on the negotiated ALPN,
// mirroring what a real browser's HTTP client does.
type UTLSRoundTripper struct {
	id            utls.ClientHelloID
	config        *utls.Config
	fallback      http.RoundTripper
	removeSNI     bool
	dialer        *net.Dialer
	proxyURL      *url.URL

	mu    sync.Mutex
	h2    *http2.Transport
	cache map[string]http.RoundTripper
}

// NewUTLSHTTPRoundTripper returns a RoundTripper that camouflages its TLS
// handshake with the given ClientHelloID. fallback is used for plain HTTP
// requests (scheme "http").
func NewUTLSHTTPRoundTripper(id utls.ClientHelloID, config *utls.Config, fallback http.RoundTripper) *UTLSRoundTripper {
	return NewUTLSHTTPRoundTripperWithProxy(id, config, fallback, false, nil)
}

// NewUTLSHTTPRoundTripperWithProxy is like NewUTLSHTTPRoundTripper, and
// additionally routes the underlying TCP dial through proxyURL (a SOCKS5
// URL) when non-nil, and omits the TLS ServerName extension when removeSNI
// is true (some fronting setups rely on an SNI-less ClientHello).
func NewUTLSHTTPRoundTripperWithProxy(
	id utls.ClientHelloID,
	config *utls.Config,
	fallback http.RoundTripper,
	removeSNI bool,
	proxyURL *url.URL,
) *UTLSRoundTripper {
	return &UTLSRoundTripper{
		id:        id,
		config:    config,
		fallback:  fallback,
		removeSNI: removeSNI,
		dialer:    &net.Dialer{},
		proxyURL:  proxyURL,
		cache:     make(map[string]http.RoundTripper),
	}
}

func (rt *UTLSRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return rt.fallback.RoundTrip(req)
	}

	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "443")
	}

	rt.mu.Lock()
	cached, ok := rt.cache[addr]
	rt.mu.Unlock()
	if ok {
		return cached.RoundTrip(req)
	}

	conn, negotiated, err := rt.dialUTLS(req.Context(), addr, req.URL.Hostname())
	if err != nil {
		return nil, fmt.Errorf("utls dial %s: %w", addr, err)
	}

	var transport http.RoundTripper
	switch negotiated {
	case http2.NextProtoTLS:
		h2 := rt.http2Transport()
		clientConn, err := h2.NewClientConn(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		transport = clientConn
	default:
		transport = &singleConnTransport{conn: conn}
	}

	rt.mu.Lock()
	rt.cache[addr] = transport
	rt.mu.Unlock()

	return transport.RoundTrip(req)
}

func (rt *UTLSRoundTripper) http2Transport() *http2.Transport {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.h2 == nil {
		rt.h2 = &http2.Transport{}
	}
	return rt.h2
}

func (rt *UTLSRoundTripper) dialUTLS(ctx context.Context, addr, sni string) (*utls.UConn, string, error) {
	rawConn, err := rt.dial(ctx, addr)
	if err != nil {
		return nil, "", err
	}

	cfg := rt.config.Clone()
	if !rt.removeSNI {
		cfg.ServerName = sni
	}
	cfg.NextProtos = []string{http2.NextProtoTLS, "http/1.1"}

	uconn := utls.UClient(rawConn, cfg, rt.id)
	if err := uconn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, "", err
	}

	return uconn, uconn.ConnectionState().NegotiatedProtocol, nil
}

func (rt *UTLSRoundTripper) dial(ctx context.Context, addr string) (net.Conn, error) {
	if rt.proxyURL == nil {
		return rt.dialer.DialContext(ctx, "tcp", addr)
	}
	// SOCKS5 egress for the TLS-camouflaged broker channel: the TCP
	// connection to addr is tunnelled through the gateway at rt.proxyURL.
	d, err := proxy.FromURL(rt.proxyURL, rt.dialer)
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

// singleConnTransport round-trips exactly one HTTP/1.1 connection. Used for
// the (uncommon, for this proxy's broker traffic) case where the uTLS
// handshake negotiates http/1.1 instead of h2.
type singleConnTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *singleConnTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := req.Write(t.conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(t.conn), req)
}
