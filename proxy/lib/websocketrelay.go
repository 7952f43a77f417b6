package snowflake_proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// newWebsocketRelayTransport dials rawURL (a wss:// or ws:// relay
// address: the configured default, or a broker-supplied URL that has
// already passed validateRelayURL) and returns it as a
// transport, per §6 "Relay transport: opened with wss:// URL". If
// clientIP is non-empty it is appended as a client_ip query parameter, so
// the relay can attribute the connection to the original client rather
// than this proxy. egressProxyURL, if non-empty, routes the TCP dial
// through a SOCKS5 gateway (SPEC_FULL supplement #3).
func newWebsocketRelayTransport(rawURL, clientIP, egressProxyURL string) (transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if clientIP != "" {
		q := u.Query()
		q.Set("client_ip", clientIP)
		u.RawQuery = q.Encode()
	}

	dialer := *websocket.DefaultDialer
	if egressProxyURL != "" {
		netDialer, err := socks5NetDialer(egressProxyURL)
		if err != nil {
			return nil, fmt.Errorf("building egress proxy dialer: %w", err)
		}
		dialer.NetDialContext = netDialer.DialContext
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", u.String(), err)
	}
	log.Printf("connected to relay: %s", rawURL)

	return newWebsocketTransport(conn), nil
}

// socks5NetDialer builds the net.Dialer-equivalent used to route relay and
// broker TCP connections through a SOCKS5 gateway when an operator sits
// behind one (SPEC_FULL supplement #3).
func socks5NetDialer(proxyURL string) (interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if ctxDialer, ok := d.(proxy.ContextDialer); ok {
		return ctxDialer, nil
	}
	return contextDialerAdapter{d}, nil
}

// contextDialerAdapter adapts a proxy.Dialer without native context
// support to the DialContext shape gorilla/websocket expects.
type contextDialerAdapter struct {
	d proxy.Dialer
}

func (a contextDialerAdapter) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.d.Dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// websocketTransport adapts a gorilla/websocket connection to the
// transport capability (Design Note #1). Every outbound chunk is sent as
// one binary message; inbound binary messages are delivered as
// transportMessage events in arrival order.
type websocketTransport struct {
	conn   *websocket.Conn
	events chan transportEvent

	mu      sync.Mutex
	closed  bool
	pending int // bytes handed to Send but not yet confirmed written
}

func newWebsocketTransport(conn *websocket.Conn) *websocketTransport {
	t := &websocketTransport{conn: conn, events: make(chan transportEvent, 64)}
	t.emit(transportEvent{kind: transportOpened})
	go t.readLoop()
	return t
}

func (t *websocketTransport) readLoop() {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.emit(transportEvent{kind: transportClosed, err: err})
			t.shutdown()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.emit(transportEvent{kind: transportMessage, message: data})
	}
}

func (t *websocketTransport) emit(ev transportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		log.Printf("websocket transport: event queue full, dropping event")
	}
}

func (t *websocketTransport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

func (t *websocketTransport) Events() <-chan transportEvent { return t.events }

func (t *websocketTransport) Send(chunk []byte) error {
	t.mu.Lock()
	t.pending += len(chunk)
	t.mu.Unlock()

	err := t.conn.WriteMessage(websocket.BinaryMessage, chunk)

	t.mu.Lock()
	t.pending -= len(chunk)
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *websocketTransport) BufferedAmount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *websocketTransport) Close() error {
	t.shutdown()
	t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
