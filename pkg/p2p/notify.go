package p2p

import (
	"context"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
)

// watchNetwork hooks connection lifecycle notifications and turns them
// into events. Liveness probing starts on the first connection to a
// peer and stops when the last one closes.
func (n *Node) watchNetwork() {
	n.host.Network().Notify(&libp2pNetwork.NotifyBundle{
		ListenF: func(_ libp2pNetwork.Network, addr ma.Multiaddr) {
			n.emit(ListenerStarted{Addr: addr})
		},
		ConnectedF: func(net libp2pNetwork.Network, conn libp2pNetwork.Conn) {
			inbound := conn.Stat().Direction == libp2pNetwork.DirInbound
			if inbound {
				n.emit(IncomingConnection{
					LocalAddr:  conn.LocalMultiaddr(),
					RemoteAddr: conn.RemoteMultiaddr(),
				})
			}
			n.emit(PeerConnected{
				Peer:    conn.RemotePeer(),
				Addr:    conn.RemoteMultiaddr(),
				Inbound: inbound,
			})
			n.startPinger(conn.RemotePeer())
		},
		DisconnectedF: func(net libp2pNetwork.Network, conn libp2pNetwork.Conn) {
			peerID := conn.RemotePeer()
			if len(net.ConnsToPeer(peerID)) > 0 {
				return
			}
			n.stopPinger(peerID)
			n.emit(PeerDisconnected{Peer: peerID})
		},
	})
}

func (n *Node) startPinger(p libp2pPeer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, running := n.pingers[p]; running {
		return
	}

	ctx, cancel := context.WithCancel(n.ctx)
	n.pingers[p] = cancel

	n.wg.Add(1)
	go n.runPinger(ctx, p)
}

func (n *Node) stopPinger(p libp2pPeer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cancel, running := n.pingers[p]; running {
		cancel()
		delete(n.pingers, p)
	}
}

// runPinger forwards probe results at pingInterval pacing. The ping
// service only issues the next probe once the previous result has been
// consumed, so pacing the reads paces the probes.
func (n *Node) runPinger(ctx context.Context, p libp2pPeer.ID) {
	defer n.wg.Done()

	results := ping.Ping(ctx, n.host, p)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			if res.Error != nil {
				n.emit(ProbeFailed{Peer: p, Cause: res.Error})
			} else {
				n.emit(ProbeCompleted{Peer: p, RTT: res.RTT})
			}
		case <-ctx.Done():
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
