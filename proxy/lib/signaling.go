package snowflake_proxy

// clientPeerConnection is the peer-connection capability consumed by the
// session state machine during offer/answer signalling (Design Note #1):
// setRemoteDescription, createAnswer, setLocalDescription, an ICE-complete
// event, and a data-channel-accept event. webrtcPeerConnection is the
// pion/webrtc-backed implementation; tests substitute an in-memory fake.
type clientPeerConnection interface {
	// SetRemoteDescription installs the client's offer. Returns an error if
	// the SDP is unparsable or rejected.
	SetRemoteDescription(offerSDP string) error
	// CreateAnswer begins generating a local answer description and calls
	// SetLocalDescription internally once generation completes. Returns an
	// error if answer creation fails outright.
	CreateAnswer() error
	// LocalDescription returns the current local description and whether
	// one has been set yet (it may not be, immediately after CreateAnswer
	// returns, since generation can finish asynchronously).
	LocalDescription() (sdp string, ok bool)
	// ICEGatheringComplete fires once when ICE gathering reaches the
	// complete state.
	ICEGatheringComplete() <-chan struct{}
	// DataChannelAccept fires once, carrying the opened data channel as a
	// transport, when the client's data channel opens.
	DataChannelAccept() <-chan transport
	// Close releases the connection. Idempotent.
	Close() error
}
