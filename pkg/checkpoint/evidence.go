package checkpoint

import (
	"time"

	"p2p_checkpoint/pkg/protocol"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
)

// PeerEvidence accumulates observations for one remote peer. Counters
// only ever increase.
type PeerEvidence struct {
	ProbeCount         int
	ProbeFailures      int
	CapabilityReceived bool
	Agent              string
	ProtocolVersion    string
}

// ReceivedMessage is one observed topic message. Decoded is nil when
// the payload did not parse under the application schema.
type ReceivedMessage struct {
	Topic   string
	Sender  libp2pPeer.ID
	Payload []byte
	Decoded *protocol.Message
}

// Evidence is the run-scoped observation store the evaluator decides
// on. It is owned by the orchestrator task and mutated only from its
// loop; reconnections do not reset it.
type Evidence struct {
	peers     map[libp2pPeer.ID]*PeerEvidence
	aggregate PeerEvidence
	messages  []ReceivedMessage

	routingConverged bool
	elapsed          time.Duration
}

// NewEvidence returns an empty evidence store.
func NewEvidence() *Evidence {
	return &Evidence{peers: make(map[libp2pPeer.ID]*PeerEvidence)}
}

func (e *Evidence) forPeer(p libp2pPeer.ID) *PeerEvidence {
	pe, ok := e.peers[p]
	if !ok {
		pe = &PeerEvidence{}
		e.peers[p] = pe
	}
	return pe
}

// RecordProbe counts one successful liveness probe for p.
func (e *Evidence) RecordProbe(p libp2pPeer.ID) {
	e.forPeer(p).ProbeCount++
	e.aggregate.ProbeCount++
}

// RecordProbeFailure counts one failed liveness probe for p.
func (e *Evidence) RecordProbeFailure(p libp2pPeer.ID) {
	e.forPeer(p).ProbeFailures++
	e.aggregate.ProbeFailures++
}

// RecordCapability marks the capability exchange observed for p. The
// first observed agent string wins; later exchanges do not overwrite it.
func (e *Evidence) RecordCapability(p libp2pPeer.ID, agent, protocolVersion string) {
	pe := e.forPeer(p)
	if !pe.CapabilityReceived {
		pe.CapabilityReceived = true
		pe.Agent = agent
		pe.ProtocolVersion = protocolVersion
	}
	if !e.aggregate.CapabilityReceived {
		e.aggregate.CapabilityReceived = true
		e.aggregate.Agent = agent
		e.aggregate.ProtocolVersion = protocolVersion
	}
}

// RecordMessage appends one observed topic message.
func (e *Evidence) RecordMessage(m ReceivedMessage) {
	e.messages = append(e.messages, m)
}

// RecordRoutingProgress notes refresh progress; remaining == 0 latches
// convergence.
func (e *Evidence) RecordRoutingProgress(remaining int) {
	if remaining == 0 {
		e.routingConverged = true
	}
}

// RecordElapsed advances the run clock by one tick interval.
func (e *Evidence) RecordElapsed(d time.Duration) {
	e.elapsed += d
}

// Probes returns the aggregate successful probe count.
func (e *Evidence) Probes() int {
	return e.aggregate.ProbeCount
}

// ProbeFailures returns the aggregate failed probe count.
func (e *Evidence) ProbeFailures() int {
	return e.aggregate.ProbeFailures
}

// ProbesFor returns the successful probe count for one peer.
func (e *Evidence) ProbesFor(p libp2pPeer.ID) int {
	if pe, ok := e.peers[p]; ok {
		return pe.ProbeCount
	}
	return 0
}

// MaxProbesPerPeer returns the highest single-peer probe count.
func (e *Evidence) MaxProbesPerPeer() int {
	max := 0
	for _, pe := range e.peers {
		if pe.ProbeCount > max {
			max = pe.ProbeCount
		}
	}
	return max
}

// CapabilityObserved reports whether any peer completed the exchange,
// along with the first observed agent string.
func (e *Evidence) CapabilityObserved() (bool, string) {
	return e.aggregate.CapabilityReceived, e.aggregate.Agent
}

// Messages returns the observed topic messages in arrival order.
func (e *Evidence) Messages() []ReceivedMessage {
	return e.messages
}

// RoutingConverged reports whether a refresh ever completed with zero
// remaining work.
func (e *Evidence) RoutingConverged() bool {
	return e.routingConverged
}

// Elapsed returns the accumulated run time as driven by timer ticks.
func (e *Evidence) Elapsed() time.Duration {
	return e.elapsed
}
