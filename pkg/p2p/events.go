package p2p

import (
	"time"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Event is the closed set of protocol observations the node emits. The
// orchestrator consumes these through a single channel and never talks
// to the protocol engines directly.
type Event interface {
	isEvent()
}

// ListenerStarted reports a listener accepting connections on Addr.
type ListenerStarted struct {
	Addr ma.Multiaddr
}

// IncomingConnection reports an inbound dial before the peer is known.
type IncomingConnection struct {
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
}

// PeerConnected reports a fully established connection.
type PeerConnected struct {
	Peer    libp2pPeer.ID
	Addr    ma.Multiaddr
	Inbound bool
}

// PeerDisconnected reports a closed connection. The node emits it once
// per connection; the orchestrator tracks remaining connection counts.
type PeerDisconnected struct {
	Peer libp2pPeer.ID
}

// ProbeCompleted reports one successful liveness probe round trip.
type ProbeCompleted struct {
	Peer libp2pPeer.ID
	RTT  time.Duration
}

// ProbeFailed reports a failed liveness probe.
type ProbeFailed struct {
	Peer  libp2pPeer.ID
	Cause error
}

// CapabilityExchanged reports a completed identify exchange.
type CapabilityExchanged struct {
	Peer            libp2pPeer.ID
	Agent           string
	ProtocolVersion string
	NumProtocols    int
}

// CapabilityExchangeFailed reports a failed identify exchange.
type CapabilityExchangeFailed struct {
	Peer  libp2pPeer.ID
	Cause error
}

// TopicMessageReceived carries the raw payload of a gossipsub message.
// The node does not decode it; schema handling belongs to the core.
type TopicMessageReceived struct {
	Topic  string
	Sender libp2pPeer.ID
	Data   []byte
}

// TopicSubscriptionChanged reports a peer joining or leaving a topic
// mesh.
type TopicSubscriptionChanged struct {
	Peer       libp2pPeer.ID
	Topic      string
	Subscribed bool
}

// RoutingBootstrapProgress reports routing-table refresh progress.
// Remaining == 0 means the table has converged.
type RoutingBootstrapProgress struct {
	Remaining int
}

// RoutingQueryTimedOut reports a routing query that gave up.
type RoutingQueryTimedOut struct {
	Cause error
}

// RoutingTableUpdated reports a routing-table entry change.
type RoutingTableUpdated struct {
	Peer    libp2pPeer.ID
	IsNew   bool
	Removed bool
}

func (ListenerStarted) isEvent()          {}
func (IncomingConnection) isEvent()       {}
func (PeerConnected) isEvent()            {}
func (PeerDisconnected) isEvent()         {}
func (ProbeCompleted) isEvent()           {}
func (ProbeFailed) isEvent()              {}
func (CapabilityExchanged) isEvent()      {}
func (CapabilityExchangeFailed) isEvent() {}
func (TopicMessageReceived) isEvent()     {}
func (TopicSubscriptionChanged) isEvent() {}
func (RoutingBootstrapProgress) isEvent() {}
func (RoutingQueryTimedOut) isEvent()     {}
func (RoutingTableUpdated) isEvent()      {}
