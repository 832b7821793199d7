// Package p2p composes the protocol capabilities (liveness probing,
// identify, gossipsub, Kademlia routing) into a single reference node.
// The checkpoint core consumes it exclusively through the Event channel
// and the command methods; wire formats and retry logic stay inside the
// libp2p stack.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"p2p_checkpoint/pkg/identity"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pHost "github.com/libp2p/go-libp2p/core/host"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	// AgentVersion is the agent string the identify protocol advertises.
	AgentVersion = "universal-connectivity/0.1.0"
	// IdentifyProtocolVersion is the identify protocol version string.
	IdentifyProtocolVersion = "/ipfs/id/1.0.0"

	// ChatTopic carries the application chat messages checkpoints decode.
	ChatTopic = "universal-connectivity"
	// FileTopic carries file-transfer announcements.
	FileTopic = "universal-connectivity-file"
	// BrowserDiscoveryTopic carries browser peer-discovery records.
	BrowserDiscoveryTopic = "universal-connectivity-browser-peer-discovery"

	pingInterval   = 1 * time.Second
	eventQueueSize = 256
)

// Topics returns the gossipsub topics the node joins at startup.
func Topics() []string {
	return []string{ChatTopic, FileTopic, BrowserDiscoveryTopic}
}

// Node is the composed reference peer. All protocol engines share one
// libp2p host; their observations are funneled into a single ordered
// event channel.
type Node struct {
	host   libp2pHost.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic
	dht    *dht.IpfsDHT
	logger *zap.Logger

	bootstrapPeers []libp2pPeer.AddrInfo

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pingers map[libp2pPeer.ID]context.CancelFunc
}

// NewNode builds the composed node. It does not listen or dial yet;
// the orchestrator drives that through Listen and Dial.
func NewNode(ctx context.Context, id *identity.Identity, bootstrapAddrs []ma.Multiaddr, logger *zap.Logger) (*Node, error) {
	bootstrapPeers, err := splitPeerAddrs(bootstrapAddrs)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap peers: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(id.PrivKey),
		libp2p.NoListenAddrs,
		libp2p.UserAgent(AgentVersion),
		libp2p.ProtocolVersion(IdentifyProtocolVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:           h,
		topics:         make(map[string]*pubsub.Topic),
		logger:         logger,
		bootstrapPeers: bootstrapPeers,
		events:         make(chan Event, eventQueueSize),
		ctx:            nodeCtx,
		cancel:         cancel,
		pingers:        make(map[libp2pPeer.ID]context.CancelFunc),
	}

	if err := n.setupGossip(nodeCtx); err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("setting up gossipsub: %w", err)
	}

	if err := n.setupRouting(nodeCtx); err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("setting up routing: %w", err)
	}

	if err := n.watchIdentify(); err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("subscribing to identify events: %w", err)
	}

	n.watchNetwork()

	logger.Info("Node created",
		zap.String("peerID", h.ID().String()),
		zap.Int("bootstrapPeers", len(bootstrapPeers)))

	return n, nil
}

// Events returns the merged protocol event stream. Events from the same
// capability preserve their arrival order.
func (n *Node) Events() <-chan Event {
	return n.events
}

// ID returns the node's peer ID.
func (n *Node) ID() libp2pPeer.ID {
	return n.host.ID()
}

// Listen starts listeners on the given addresses. A failure on any
// address is returned to the caller; the orchestrator treats it as a
// configuration error.
func (n *Node) Listen(addrs ...ma.Multiaddr) error {
	if len(addrs) == 0 {
		return nil
	}
	if err := n.host.Network().Listen(addrs...); err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	return nil
}

// Dial connects to every configured bootstrap peer.
func (n *Node) Dial(ctx context.Context) error {
	for _, info := range n.bootstrapPeers {
		if err := n.host.Connect(ctx, info); err != nil {
			return fmt.Errorf("dialing %s: %w", info.ID, err)
		}
	}
	return nil
}

// DisconnectPeer closes every connection to the given peer.
func (n *Node) DisconnectPeer(p libp2pPeer.ID) error {
	if err := n.host.Network().ClosePeer(p); err != nil {
		return fmt.Errorf("closing connections to %s: %w", p, err)
	}
	return nil
}

// ConnectedPeers lists peers with at least one live connection.
func (n *Node) ConnectedPeers() []libp2pPeer.ID {
	return n.host.Network().Peers()
}

// CloseListeners stops accepting new inbound connections. Existing
// connections stay open.
func (n *Node) CloseListeners() error {
	net := n.host.Network()
	closer, ok := net.(interface{ ListenClose(...ma.Multiaddr) })
	if !ok {
		return fmt.Errorf("network does not support closing listeners")
	}
	closer.ListenClose(net.ListenAddresses()...)
	return nil
}

// Close tears down the node. Safe to call once.
func (n *Node) Close() error {
	n.cancel()
	var firstErr error
	if n.dht != nil {
		if err := n.dht.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing dht: %w", err)
		}
	}
	if err := n.host.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing host: %w", err)
	}
	n.wg.Wait()
	return firstErr
}

// emit delivers an event to the orchestrator, giving up when the node
// is shutting down.
func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// splitPeerAddrs splits /p2p/-qualified multiaddrs into dialable
// AddrInfos, grouping addresses that share a peer ID.
func splitPeerAddrs(addrs []ma.Multiaddr) ([]libp2pPeer.AddrInfo, error) {
	byID := make(map[libp2pPeer.ID]*libp2pPeer.AddrInfo)
	var order []libp2pPeer.ID
	for _, addr := range addrs {
		info, err := libp2pPeer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("address %s: %w", addr, err)
		}
		if existing, ok := byID[info.ID]; ok {
			existing.Addrs = append(existing.Addrs, info.Addrs...)
			continue
		}
		byID[info.ID] = info
		order = append(order, info.ID)
	}
	infos := make([]libp2pPeer.AddrInfo, 0, len(order))
	for _, id := range order {
		infos = append(infos, *byID[id])
	}
	return infos, nil
}
