package checkpoint

import (
	"context"
	"fmt"

	"p2p_checkpoint/pkg/config"
	"p2p_checkpoint/pkg/p2p"
	"p2p_checkpoint/pkg/protocol"

	"github.com/google/uuid"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// State is the orchestrator lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingConnection
	StateActive
	StateConcluded
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingConnection:
		return "awaiting-connection"
	case StateActive:
		return "active"
	case StateConcluded:
		return "concluded"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnState tracks one peer's connection lifecycle. Transitions only
// move forward: Connecting→Connected→Closed or Connecting→Closed.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnClosed
)

// PeerRecord is the per-peer view: identity, observed addresses, and
// connection state. Records are kept until process exit.
type PeerRecord struct {
	ID    libp2pPeer.ID
	Addrs []ma.Multiaddr
	State ConnState
}

// Commander is the command surface of the capability set. Every command
// returns an explicit error; the orchestrator decides per call site
// whether a failure is fatal or just reported.
type Commander interface {
	ID() libp2pPeer.ID
	Listen(addrs ...ma.Multiaddr) error
	Dial(ctx context.Context) error
	Bootstrap(ctx context.Context) error
	RefreshRouting()
	Publish(ctx context.Context, topic string, data []byte) error
	DisconnectPeer(p libp2pPeer.ID) error
	CloseListeners() error
}

// runContext is the orchestrator's complete mutable state. It is owned
// by the single orchestrator task; nothing else reads or writes it.
type runContext struct {
	state    State
	peers    map[libp2pPeer.ID]*PeerRecord
	evidence *Evidence
	verdict  Verdict

	tickCount      int
	drainStartTick int
	chattyCounter  int
}

// Orchestrator runs one checkpoint: it drives the capability set,
// accumulates evidence, evaluates the criteria after every update, and
// sequences the graceful teardown.
type Orchestrator struct {
	node     Commander
	criteria Criteria
	reporter Reporter
	cfg      *config.Config
	logger   *zap.Logger
	runID    string

	c runContext
}

// New creates an orchestrator for one checkpoint run.
func New(node Commander, criteria Criteria, reporter Reporter, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		node:     node,
		criteria: criteria,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With(zap.String("runID", runID), zap.String("checkpoint", criteria.Name)),
		runID:    runID,
		c: runContext{
			state:          StateIdle,
			peers:          make(map[libp2pPeer.ID]*PeerRecord),
			evidence:       NewEvidence(),
			drainStartTick: -1,
		},
	}
}

// Run processes inputs until termination and returns the final verdict.
// A returned error means a fatal configuration failure before the run
// properly started.
func (o *Orchestrator) Run(ctx context.Context, src InputSource) (Verdict, error) {
	if err := o.start(ctx); err != nil {
		return Fail(err.Error()), err
	}

	for o.c.state != StateTerminated {
		input, err := src.Next(ctx)
		if err != nil {
			return o.finalVerdict(), fmt.Errorf("reading input: %w", err)
		}
		o.handle(ctx, input)
	}

	final := o.finalVerdict()
	o.reporter.Verdict(final)
	o.logger.Info("Run terminated",
		zap.String("verdict", final.Kind.String()),
		zap.Int("ticks", o.c.tickCount))
	return final, nil
}

// start issues the configured listen and dial commands. Listen failures
// indicate misconfiguration and abort the run before it begins.
func (o *Orchestrator) start(ctx context.Context) error {
	o.c.state = StateListening

	if err := o.node.Listen(o.cfg.ListenAddrs...); err != nil {
		return fmt.Errorf("applying listen addresses: %w", err)
	}

	if err := o.node.Dial(ctx); err != nil {
		// The remote peer being unreachable is a protocol-under-test
		// failure, not misconfiguration.
		o.reporter.Error(err.Error())
		o.logger.Warn("Dial failed", zap.Error(err))
	}

	if err := o.node.Bootstrap(ctx); err != nil {
		o.reporter.Error(err.Error())
		o.logger.Warn("Bootstrap failed", zap.Error(err))
	}

	o.c.state = StateAwaitingConnection
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, input Input) {
	switch in := input.(type) {
	case NodeEvent:
		o.handleEvent(ctx, in.Event)
	case Tick:
		o.handleTick(ctx)
	case DrainRequested:
		o.beginDraining()
	case HardStop:
		o.reporter.SigQuit()
		o.c.state = StateTerminated
	}
}

// handleEvent updates peer records and evidence, reports the event, and
// re-evaluates the criteria. Every event variant is handled explicitly.
func (o *Orchestrator) handleEvent(ctx context.Context, event p2p.Event) {
	switch ev := event.(type) {
	case p2p.ListenerStarted:
		o.reporter.Listening(ev.Addr)

	case p2p.IncomingConnection:
		o.reporter.Incoming(ev.LocalAddr, ev.RemoteAddr)

	case p2p.PeerConnected:
		o.onPeerConnected(ev)

	case p2p.PeerDisconnected:
		o.onPeerDisconnected(ev)

	case p2p.ProbeCompleted:
		if !o.c.verdict.Concluded() {
			o.c.evidence.RecordProbe(ev.Peer)
		}
		o.reporter.Ping(ev.Peer, ev.RTT)
		if o.cfg.CloseAfterPing {
			o.disconnect(ev.Peer)
		}
		o.evaluate()

	case p2p.ProbeFailed:
		if !o.c.verdict.Concluded() {
			o.c.evidence.RecordProbeFailure(ev.Peer)
		}
		o.reporter.Error(ev.Cause.Error())
		o.evaluate()

	case p2p.CapabilityExchanged:
		if !o.c.verdict.Concluded() {
			o.c.evidence.RecordCapability(ev.Peer, ev.Agent, ev.ProtocolVersion)
		}
		o.reporter.Identify(ev.Peer, ev.Agent)
		if o.cfg.CloseAfterIdentify {
			o.disconnect(ev.Peer)
		}
		o.evaluate()

	case p2p.CapabilityExchangeFailed:
		o.reporter.Error(ev.Cause.Error())
		o.evaluate()

	case p2p.TopicMessageReceived:
		o.onTopicMessage(ev)

	case p2p.TopicSubscriptionChanged:
		if ev.Subscribed {
			o.reporter.Subscribed(ev.Peer, ev.Topic)
		} else {
			o.reporter.Unsubscribed(ev.Peer, ev.Topic)
		}

	case p2p.RoutingBootstrapProgress:
		if !o.c.verdict.Concluded() {
			o.c.evidence.RecordRoutingProgress(ev.Remaining)
		}
		if ev.Remaining == 0 {
			o.reporter.KademliaBootstrap()
		}
		// Evaluate before any early-close drain so a convergence-gated
		// checkpoint concludes on the evidence it just produced.
		o.evaluate()
		if ev.Remaining == 0 && o.cfg.CloseAfterKademliaBootstrap {
			o.beginDraining()
		}

	case p2p.RoutingQueryTimedOut:
		o.reporter.Error(fmt.Sprintf("bootstrap timed out: %v", ev.Cause))

	case p2p.RoutingTableUpdated:
		o.reporter.RoutingUpdated(ev.Peer, ev.IsNew, ev.Removed)
	}
}

func (o *Orchestrator) onPeerConnected(ev p2p.PeerConnected) {
	rec, ok := o.c.peers[ev.Peer]
	if !ok {
		rec = &PeerRecord{ID: ev.Peer}
		o.c.peers[ev.Peer] = rec
	}
	rec.State = ConnConnected
	rec.Addrs = appendAddr(rec.Addrs, ev.Addr)

	o.reporter.Connected(ev.Peer, ev.Addr)

	if o.c.state == StateAwaitingConnection {
		o.c.state = StateActive
		o.logger.Info("First peer connected", zap.String("peerID", ev.Peer.String()))
	}

	if o.cfg.CloseAfterConnected {
		o.disconnect(ev.Peer)
	}

	o.evaluate()
}

func (o *Orchestrator) onPeerDisconnected(ev p2p.PeerDisconnected) {
	if rec, ok := o.c.peers[ev.Peer]; ok {
		rec.State = ConnClosed
	}
	o.reporter.Closed(ev.Peer)

	remaining := o.connectedCount()

	if o.c.state == StateActive && remaining == 0 && !o.c.verdict.Concluded() {
		o.conclude(Fail("peer disconnected before checkpoint completion"))
		return
	}

	if o.c.state == StateDraining && remaining == 0 {
		o.reporter.NoMorePeers()
		o.c.state = StateTerminated
	}
}

func (o *Orchestrator) onTopicMessage(ev p2p.TopicMessageReceived) {
	msg, err := protocol.Unmarshal(ev.Data)
	if err != nil || msg.From == "" {
		// Undecodable payloads are reported but are not themselves a
		// failure; they just never satisfy a schema-bound condition.
		o.reporter.Error(ev.Topic)
		msg = nil
	} else {
		o.reporter.Message(msg.From, ev.Topic, displayText(msg))
	}

	if !o.c.verdict.Concluded() {
		o.c.evidence.RecordMessage(ReceivedMessage{
			Topic:   ev.Topic,
			Sender:  ev.Sender,
			Payload: ev.Data,
			Decoded: msg,
		})
	}

	if o.cfg.CloseAfterGossipMsg && msg != nil {
		if sender, err := libp2pPeer.Decode(msg.From); err == nil {
			o.disconnect(sender)
		} else {
			o.disconnect(ev.Sender)
		}
	}

	o.evaluate()
}

// handleTick drives chatty publication, bootstrap retries, the timeout
// criterion, and the drain grace period.
func (o *Orchestrator) handleTick(ctx context.Context) {
	o.c.tickCount++

	if !o.c.verdict.Concluded() {
		o.c.evidence.RecordElapsed(o.cfg.TickInterval)
	}

	switch o.c.state {
	case StateActive, StateAwaitingConnection:
		if o.cfg.Chatty && o.c.state == StateActive {
			o.publishTestMessage(ctx)
		}
		if len(o.cfg.BootstrapPeers) > 0 && !o.c.evidence.RoutingConverged() {
			o.node.RefreshRouting()
		}
		o.evaluate()

	case StateDraining:
		if o.c.tickCount-o.c.drainStartTick >= o.cfg.DrainGraceTicks {
			o.logger.Warn("Drain grace period expired",
				zap.Int("connectedPeers", o.connectedCount()))
			o.c.state = StateTerminated
		}
	}
}

func (o *Orchestrator) publishTestMessage(ctx context.Context) {
	o.c.chattyCounter++
	msg := protocol.NewChatMessage(o.node.ID().String(), o.c.chattyCounter)
	if err := o.node.Publish(ctx, p2p.ChatTopic, msg.Marshal()); err != nil {
		o.reporter.Error(err.Error())
	}
}

// evaluate invokes the criteria evaluator. A pass needs the Active
// state; the timeout criterion can fail the run from AwaitingConnection
// too, so a remote that never connects still concludes.
func (o *Orchestrator) evaluate() {
	if o.c.verdict.Concluded() {
		return
	}
	switch o.c.state {
	case StateActive:
		if v := o.criteria.Evaluate(o.c.evidence); v.Concluded() {
			o.conclude(v)
		}
	case StateAwaitingConnection:
		if v := o.criteria.Expired(o.c.evidence); v.Concluded() {
			o.conclude(v)
		}
	}
}

func (o *Orchestrator) conclude(v Verdict) {
	o.c.verdict = v
	o.c.state = StateConcluded
	o.logger.Info("Checkpoint concluded", zap.String("verdict", v.Kind.String()))
	o.beginDraining()
}

// beginDraining stops accepting inbound connections and requests
// disconnection from every connected peer. Termination follows when the
// peer set empties or the grace period expires.
func (o *Orchestrator) beginDraining() {
	switch o.c.state {
	case StateDraining, StateTerminated:
		return
	}

	if err := o.node.CloseListeners(); err != nil {
		o.reporter.Error(err.Error())
	}

	o.c.state = StateDraining
	o.c.drainStartTick = o.c.tickCount

	if o.connectedCount() == 0 {
		o.reporter.NoMorePeers()
		o.c.state = StateTerminated
		return
	}

	for _, rec := range o.c.peers {
		if rec.State == ConnConnected {
			o.disconnect(rec.ID)
		}
	}
}

func (o *Orchestrator) disconnect(p libp2pPeer.ID) {
	if err := o.node.DisconnectPeer(p); err != nil {
		o.reporter.Error(err.Error())
	}
}

func (o *Orchestrator) connectedCount() int {
	count := 0
	for _, rec := range o.c.peers {
		if rec.State == ConnConnected {
			count++
		}
	}
	return count
}

// finalVerdict maps a still-pending verdict at termination to a
// failure.
func (o *Orchestrator) finalVerdict() Verdict {
	if o.c.verdict.Concluded() {
		return o.c.verdict
	}
	return Fail("terminated before checkpoint completion")
}

// displayText picks the kind-specific payload for the msg report line.
func displayText(m *protocol.Message) string {
	switch m.Kind {
	case protocol.KindFileTransfer:
		return m.FileName
	case protocol.KindPeerDiscovery:
		return m.PeerID
	default:
		return m.Text
	}
}

func appendAddr(addrs []ma.Multiaddr, addr ma.Multiaddr) []ma.Multiaddr {
	for _, a := range addrs {
		if a.Equal(addr) {
			return addrs
		}
	}
	return append(addrs, addr)
}
