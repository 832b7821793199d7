package p2p

import (
	"context"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
)

func (n *Node) setupRouting(ctx context.Context) error {
	opts := []dht.Option{dht.Mode(dht.ModeServer)}
	if len(n.bootstrapPeers) > 0 {
		opts = append(opts, dht.BootstrapPeers(n.bootstrapPeers...))
	}

	d, err := dht.New(ctx, n.host, opts...)
	if err != nil {
		return fmt.Errorf("creating dht: %w", err)
	}
	n.dht = d

	rt := d.RoutingTable()
	rt.PeerAdded = func(p libp2pPeer.ID) {
		n.emit(RoutingTableUpdated{Peer: p, IsNew: true})
	}
	rt.PeerRemoved = func(p libp2pPeer.ID) {
		n.emit(RoutingTableUpdated{Peer: p, Removed: true})
	}

	return nil
}

// Bootstrap seeds the routing table from the configured bootstrap peers
// and starts the first refresh. A no-op when no bootstrap peers are
// configured.
func (n *Node) Bootstrap(ctx context.Context) error {
	if len(n.bootstrapPeers) == 0 {
		return nil
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping dht: %w", err)
	}
	n.RefreshRouting()
	return nil
}

// RefreshRouting triggers a routing-table refresh and reports its
// outcome as a routing event. The orchestrator calls this periodically
// until convergence.
func (n *Node) RefreshRouting() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case err := <-n.dht.RefreshRoutingTable():
			if err != nil {
				n.emit(RoutingQueryTimedOut{Cause: err})
				return
			}
			n.emit(RoutingBootstrapProgress{Remaining: 0})
		case <-n.ctx.Done():
		}
	}()
}
