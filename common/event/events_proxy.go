package event

import "fmt"

// EventOnProxyClientConnected fires when a session's client transport opens
// and the session starts contributing to the UI client count.
type EventOnProxyClientConnected struct {
	SnowflakeEvent
	SessionID string
}

func (e EventOnProxyClientConnected) String() string {
	return fmt.Sprintf("session %s: client connected", e.SessionID)
}

// EventOnProxyConnectionOver fires at most once per session, when it closes,
// carrying the bytes forwarded in each direction. Only sessions whose client
// transport opened (and so were counted as a client) fire it.
type EventOnProxyConnectionOver struct {
	SnowflakeEvent
	SessionID       string
	InboundTraffic  int64
	OutboundTraffic int64
}

func (e EventOnProxyConnectionOver) String() string {
	return fmt.Sprintf("session %s: closed (in %d, out %d)", e.SessionID, e.InboundTraffic, e.OutboundTraffic)
}

// EventOnBrokerPollFailed fires when a broker poll did not end in a
// forwarding session: a broker error, "no match", a rejected relay URL, or
// a datachannel timeout.
type EventOnBrokerPollFailed struct {
	SnowflakeEvent
	SessionID string
	Reason    string
}

func (e EventOnBrokerPollFailed) String() string {
	return fmt.Sprintf("session %s: poll failed: %s", e.SessionID, e.Reason)
}

// EventOnPollIntervalChanged fires after every adaptive poll-interval update
// (one per datachannel timeout), reporting the resulting interval, which may
// equal the previous one, and the current own-NAT classification.
type EventOnPollIntervalChanged struct {
	SnowflakeEvent
	NewInterval string
	OwnNATType  string
}

func (e EventOnPollIntervalChanged) String() string {
	return fmt.Sprintf("poll interval now %s (own NAT: %s)", e.NewInterval, e.OwnNATType)
}
