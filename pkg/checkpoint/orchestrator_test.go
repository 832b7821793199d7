package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"p2p_checkpoint/pkg/config"
	"p2p_checkpoint/pkg/p2p"
	"p2p_checkpoint/pkg/protocol"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publishCall struct {
	topic string
	data  []byte
}

// fakeNode records issued commands.
type fakeNode struct {
	id        libp2pPeer.ID
	listenErr error

	listened        []ma.Multiaddr
	dialed          bool
	bootstrapped    bool
	refreshes       int
	published       []publishCall
	disconnected    []libp2pPeer.ID
	listenersClosed bool
}

func (f *fakeNode) ID() libp2pPeer.ID { return f.id }

func (f *fakeNode) Listen(addrs ...ma.Multiaddr) error {
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listened = append(f.listened, addrs...)
	return nil
}

func (f *fakeNode) Dial(ctx context.Context) error      { f.dialed = true; return nil }
func (f *fakeNode) Bootstrap(ctx context.Context) error { f.bootstrapped = true; return nil }
func (f *fakeNode) RefreshRouting()                     { f.refreshes++ }

func (f *fakeNode) Publish(ctx context.Context, topic string, data []byte) error {
	f.published = append(f.published, publishCall{topic: topic, data: data})
	return nil
}

func (f *fakeNode) DisconnectPeer(p libp2pPeer.ID) error {
	f.disconnected = append(f.disconnected, p)
	return nil
}

func (f *fakeNode) CloseListeners() error {
	f.listenersClosed = true
	return nil
}

// scriptedSource replays a fixed input sequence; running past the end
// fails the test via the returned error.
type scriptedSource struct {
	inputs []Input
}

func (s *scriptedSource) Next(ctx context.Context) (Input, error) {
	if len(s.inputs) == 0 {
		return nil, errors.New("script exhausted before termination")
	}
	in := s.inputs[0]
	s.inputs = s.inputs[1:]
	return in, nil
}

type harness struct {
	node     *fakeNode
	cfg      *config.Config
	reporter *LineReporter
	out      *bytes.Buffer
	orch     *Orchestrator
}

func newHarness(t *testing.T, checkpointName string, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		Checkpoint:      checkpointName,
		ListenAddrs:     []ma.Multiaddr{mustAddr(t, "/ip4/0.0.0.0/tcp/9000")},
		TickInterval:    5 * time.Second,
		DrainGraceTicks: 3,
	}
	if mutate != nil {
		mutate(cfg)
	}

	criteria, err := Lookup(checkpointName, CatalogOptions{
		Timeout:       cfg.Timeout,
		ExpectedAgent: cfg.ExpectedAgent,
	})
	require.NoError(t, err)

	node := &fakeNode{id: libp2pPeer.ID("self")}
	out := &bytes.Buffer{}
	reporter := NewLineReporter(out)

	return &harness{
		node:     node,
		cfg:      cfg,
		reporter: reporter,
		out:      out,
		orch:     New(node, criteria, reporter, cfg, zap.NewNop()),
	}
}

func (h *harness) run(t *testing.T, inputs ...Input) Verdict {
	t.Helper()
	verdict, err := h.orch.Run(context.Background(), &scriptedSource{inputs: inputs})
	require.NoError(t, err)
	return verdict
}

func (h *harness) lines() []string {
	return strings.Split(strings.TrimRight(h.out.String(), "\n"), "\n")
}

func connected(t *testing.T, p libp2pPeer.ID) Input {
	return NodeEvent{Event: p2p.PeerConnected{Peer: p, Addr: mustAddr(t, "/ip4/10.0.0.2/tcp/9000")}}
}

func TestOrchestrator_PingCheckpointPasses(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		NodeEvent{Event: p2p.ListenerStarted{Addr: mustAddr(t, "/ip4/127.0.0.1/tcp/9000")}},
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 11 * time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 12 * time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 13 * time.Millisecond}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictPassed, verdict.Kind)

	// The drain sequence runs after the verdict: listeners closed, the
	// peer disconnected, and the run ends once the peer set empties.
	assert.True(t, h.node.listenersClosed)
	assert.Equal(t, []libp2pPeer.ID{peerA}, h.node.disconnected)

	expected := []string{
		"listening,/ip4/127.0.0.1/tcp/9000",
		fmt.Sprintf("connected,%s,/ip4/10.0.0.2/tcp/9000", peerA),
		fmt.Sprintf("ping,%s,11 ms", peerA),
		fmt.Sprintf("ping,%s,12 ms", peerA),
		fmt.Sprintf("ping,%s,13 ms", peerA),
		fmt.Sprintf("closed,%s", peerA),
		"nomorepeers",
		fmt.Sprintf("verdict,passed,checkpoint ping: %d successful probes", 3),
	}
	assert.Equal(t, expected, h.lines())
}

func TestOrchestrator_DisconnectBeforeCompletionFails(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 11 * time.Millisecond}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Equal(t, "peer disconnected before checkpoint completion", verdict.Reason)
	assert.Contains(t, h.out.String(), "verdict,failed,peer disconnected before checkpoint completion")
}

func TestOrchestrator_HardStopSkipsDraining(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 11 * time.Millisecond}},
		HardStop{},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Equal(t, "terminated before checkpoint completion", verdict.Reason)

	// No drain sequence: listeners stay open, no disconnect commands.
	assert.False(t, h.node.listenersClosed)
	assert.Empty(t, h.node.disconnected)
	assert.Contains(t, h.out.String(), "sigquit\n")
}

func TestOrchestrator_VerdictIsIdempotent(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 1 * time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 2 * time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: 3 * time.Millisecond}},
		// Events after conclusion must not flip or re-derive the verdict,
		// including a disconnect that would otherwise mean failure.
		NodeEvent{Event: p2p.ProbeFailed{Peer: peerA, Cause: errors.New("ping timeout")}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	assert.Equal(t, VerdictPassed, verdict.Kind)
}

func TestOrchestrator_RoutingConvergenceAsFirstEvent(t *testing.T) {
	h := newHarness(t, "kademlia", nil)

	verdict := h.run(t,
		NodeEvent{Event: p2p.RoutingBootstrapProgress{Remaining: 0}},
		connected(t, peerA),
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictPassed, verdict.Kind)
	assert.Contains(t, h.out.String(), "kademlia,bootstrap\n")
}

func TestOrchestrator_IdentifyAgentLiteral(t *testing.T) {
	t.Run("no literal accepts any agent", func(t *testing.T) {
		h := newHarness(t, "identify", nil)
		verdict := h.run(t,
			connected(t, peerA),
			NodeEvent{Event: p2p.CapabilityExchanged{Peer: peerA, Agent: "surprise-agent/9.9.9", ProtocolVersion: "/ipfs/id/1.0.0", NumProtocols: 4}},
			NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
		)
		assert.Equal(t, VerdictPassed, verdict.Kind)
	})

	t.Run("literal mismatch fails on disconnect", func(t *testing.T) {
		h := newHarness(t, "identify", func(cfg *config.Config) {
			cfg.ExpectedAgent = "universal-connectivity/0.1.0"
		})
		verdict := h.run(t,
			connected(t, peerA),
			NodeEvent{Event: p2p.CapabilityExchanged{Peer: peerA, Agent: "surprise-agent/9.9.9", ProtocolVersion: "/ipfs/id/1.0.0", NumProtocols: 4}},
			NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
		)
		require.Equal(t, VerdictFailed, verdict.Kind)
		assert.Equal(t, "peer disconnected before checkpoint completion", verdict.Reason)
	})
}

func TestOrchestrator_GossipMessage(t *testing.T) {
	payload := (&protocol.Message{
		From:      "sender-peer",
		Text:      "hello there",
		Timestamp: 100,
		Kind:      protocol.KindChat,
	}).Marshal()

	h := newHarness(t, "gossipsub", nil)
	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.TopicMessageReceived{Topic: p2p.ChatTopic, Sender: peerA, Data: payload}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictPassed, verdict.Kind)
	assert.Contains(t, h.out.String(), "msg,sender-peer,universal-connectivity,hello there\n")
}

func TestOrchestrator_UndecodableMessageIsInsufficient(t *testing.T) {
	h := newHarness(t, "gossipsub", nil)
	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.TopicMessageReceived{Topic: p2p.ChatTopic, Sender: peerA, Data: []byte{0xff, 0xff}}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Contains(t, h.out.String(), "error,universal-connectivity\n")
}

func TestOrchestrator_TimeoutCriterion(t *testing.T) {
	h := newHarness(t, "ping", func(cfg *config.Config) {
		cfg.Timeout = 10 * time.Second
	})

	verdict := h.run(t,
		connected(t, peerA),
		Tick{},
		Tick{},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Contains(t, verdict.Reason, "timed out")
}

func TestOrchestrator_ChattyPublishesOnTick(t *testing.T) {
	h := newHarness(t, "gossipsub", func(cfg *config.Config) {
		cfg.Chatty = true
	})

	h.run(t,
		connected(t, peerA),
		Tick{},
		Tick{},
		HardStop{},
	)

	require.Len(t, h.node.published, 2)
	assert.Equal(t, p2p.ChatTopic, h.node.published[0].topic)

	msg, err := protocol.Unmarshal(h.node.published[0].data)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindChat, msg.Kind)
	assert.Contains(t, msg.Text, "(1)")
}

func TestOrchestrator_NoChattyPublishBeforeConnection(t *testing.T) {
	h := newHarness(t, "gossipsub", func(cfg *config.Config) {
		cfg.Chatty = true
	})

	h.run(t, Tick{}, HardStop{})
	assert.Empty(t, h.node.published)
}

func TestOrchestrator_DrainRequestedBeforeCompletion(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		connected(t, peerA),
		DrainRequested{},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Equal(t, "terminated before checkpoint completion", verdict.Reason)
	assert.True(t, h.node.listenersClosed)
	assert.Equal(t, []libp2pPeer.ID{peerA}, h.node.disconnected)
	assert.Contains(t, h.out.String(), "nomorepeers\n")
}

func TestOrchestrator_DrainGraceExpires(t *testing.T) {
	h := newHarness(t, "ping", nil)

	// The peer never confirms the disconnect; three ticks of grace pass
	// and the run terminates anyway.
	verdict := h.run(t,
		connected(t, peerA),
		DrainRequested{},
		Tick{},
		Tick{},
		Tick{},
	)

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.True(t, h.node.listenersClosed)
}

func TestOrchestrator_DrainWithNoPeersTerminatesImmediately(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t, DrainRequested{})

	require.Equal(t, VerdictFailed, verdict.Kind)
	assert.Contains(t, h.out.String(), "nomorepeers\n")
}

func TestOrchestrator_ConnectivityPassesOnFirstConnection(t *testing.T) {
	h := newHarness(t, "connectivity", nil)

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	assert.Equal(t, VerdictPassed, verdict.Kind)
}

func TestOrchestrator_EvidenceAggregatesAcrossPeers(t *testing.T) {
	// The final checkpoint counts probes in aggregate, so two peers can
	// contribute to the threshold together.
	h := newHarness(t, "final", nil)

	payload := (&protocol.Message{From: "x", Text: "hi", Timestamp: 1}).Marshal()

	verdict := h.run(t,
		connected(t, peerA),
		connected(t, peerB),
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerB, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.CapabilityExchanged{Peer: peerB, Agent: "a", ProtocolVersion: "v", NumProtocols: 1}},
		NodeEvent{Event: p2p.TopicMessageReceived{Topic: p2p.ChatTopic, Sender: peerA, Data: payload}},
		NodeEvent{Event: p2p.RoutingBootstrapProgress{Remaining: 0}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerB}},
	)

	assert.Equal(t, VerdictPassed, verdict.Kind)
}

func TestOrchestrator_EarlyCloseFlags(t *testing.T) {
	t.Run("close after connected", func(t *testing.T) {
		h := newHarness(t, "connectivity", func(cfg *config.Config) {
			cfg.CloseAfterConnected = true
		})
		h.run(t,
			connected(t, peerA),
			NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
		)
		assert.Contains(t, h.node.disconnected, peerA)
	})

	t.Run("close after ping", func(t *testing.T) {
		h := newHarness(t, "connectivity", func(cfg *config.Config) {
			cfg.CloseAfterPing = true
		})
		h.run(t,
			connected(t, peerA),
			NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
			NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
		)
		assert.Contains(t, h.node.disconnected, peerA)
	})
}

func TestOrchestrator_ListenFailureIsFatal(t *testing.T) {
	h := newHarness(t, "ping", nil)
	h.node.listenErr = errors.New("address already in use")

	_, err := h.orch.Run(context.Background(), &scriptedSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying listen addresses")
}

func TestOrchestrator_BootstrapRetriesOnTick(t *testing.T) {
	h := newHarness(t, "kademlia", func(cfg *config.Config) {
		cfg.BootstrapPeers = []ma.Multiaddr{mustAddr(t, "/ip4/10.0.0.2/tcp/9000/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN")}
	})

	h.run(t,
		connected(t, peerA),
		Tick{},
		Tick{},
		NodeEvent{Event: p2p.RoutingBootstrapProgress{Remaining: 0}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	assert.True(t, h.node.bootstrapped)
	assert.Equal(t, 2, h.node.refreshes)
}

func TestOrchestrator_CloseAfterKademliaBootstrapConcludesFirst(t *testing.T) {
	// The convergence evidence must be evaluated before the early-close
	// flag starts the drain, or the run would end with a pending verdict.
	h := newHarness(t, "kademlia", func(cfg *config.Config) {
		cfg.CloseAfterKademliaBootstrap = true
	})

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.RoutingBootstrapProgress{Remaining: 0}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictPassed, verdict.Kind)
	assert.True(t, h.node.listenersClosed)
	assert.Contains(t, h.out.String(), "kademlia,bootstrap\n")
}

func TestOrchestrator_TimeoutFiresBeforeFirstConnection(t *testing.T) {
	// A remote that never connects must still conclude at the deadline.
	t.Run("ping", func(t *testing.T) {
		h := newHarness(t, "ping", func(cfg *config.Config) {
			cfg.Timeout = 10 * time.Second
		})

		verdict := h.run(t, Tick{}, Tick{})

		require.Equal(t, VerdictFailed, verdict.Kind)
		assert.Contains(t, verdict.Reason, "timed out")
		assert.Contains(t, h.out.String(), "nomorepeers\n")
	})

	t.Run("connectivity", func(t *testing.T) {
		h := newHarness(t, "connectivity", func(cfg *config.Config) {
			cfg.Timeout = 10 * time.Second
		})

		verdict := h.run(t, Tick{}, Tick{})

		require.Equal(t, VerdictFailed, verdict.Kind)
		assert.Contains(t, verdict.Reason, "timed out")
	})
}

// failureThreshold is satisfied once any probe has failed; it exists to
// observe that failure events re-run the evaluator like every other
// evidence mutation.
type failureThreshold struct{}

func (failureThreshold) Satisfied(ev *Evidence) bool { return ev.ProbeFailures() >= 1 }
func (failureThreshold) Describe() string            { return "a probe failure observed" }

func TestOrchestrator_FailureEventsReevaluate(t *testing.T) {
	node := &fakeNode{id: libp2pPeer.ID("self")}
	out := &bytes.Buffer{}
	cfg := &config.Config{
		Checkpoint:      "custom",
		ListenAddrs:     []ma.Multiaddr{mustAddr(t, "/ip4/0.0.0.0/tcp/9000")},
		TickInterval:    5 * time.Second,
		DrainGraceTicks: 3,
	}
	criteria := Criteria{Name: "custom", Conditions: []Condition{failureThreshold{}}}
	orch := New(node, criteria, NewLineReporter(out), cfg, zap.NewNop())

	// Without evaluation on the failure event, the disconnect would land
	// first and fail the run.
	verdict, err := orch.Run(context.Background(), &scriptedSource{inputs: []Input{
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeFailed{Peer: peerA, Cause: errors.New("stream reset")}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	}})
	require.NoError(t, err)

	assert.Equal(t, VerdictPassed, verdict.Kind)
}

func TestOrchestrator_ProbeFailureIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, "ping", nil)

	verdict := h.run(t,
		connected(t, peerA),
		NodeEvent{Event: p2p.ProbeFailed{Peer: peerA, Cause: errors.New("stream reset")}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.ProbeCompleted{Peer: peerA, RTT: time.Millisecond}},
		NodeEvent{Event: p2p.PeerDisconnected{Peer: peerA}},
	)

	require.Equal(t, VerdictPassed, verdict.Kind)
	assert.Contains(t, h.out.String(), "error,stream reset\n")
}
