package snowflake_proxy

// transportEventKind distinguishes the events a transport emits on its
// event channel, per Design Note #1's {open, send, close, event stream}
// capability.
type transportEventKind int

const (
	transportOpened transportEventKind = iota
	transportMessage
	transportClosed
	transportError
)

// transportEvent is a single item on a transport's event stream.
type transportEvent struct {
	kind    transportEventKind
	message []byte
	err     error
}

// transport is the abstract bidirectional reliable binary conduit the
// session state machine is built against, so it can be exercised with
// in-memory fakes instead of a live WebRTC data channel or WebSocket
// connection. Both the client-side and relay-side endpoints satisfy this
// same capability.
type transport interface {
	// Events returns the channel on which opened/message/closed/error
	// events are delivered, in arrival order. The channel is closed once no
	// further events will be sent (after a transportClosed or
	// transportError event).
	Events() <-chan transportEvent
	// Send enqueues a chunk for transmission. It does not block on the
	// network; callers gate calls to Send using BufferedAmount to respect
	// MAX_BUFFER.
	Send(chunk []byte) error
	// BufferedAmount reports bytes handed to Send but not yet flushed to
	// the network, used for the MAX_BUFFER backpressure check.
	BufferedAmount() int
	// Close releases the transport. Idempotent.
	Close() error
}
