package p2p

import (
	"github.com/libp2p/go-libp2p/core/event"
)

// watchIdentify forwards identify (capability exchange) outcomes from
// the host's event bus.
func (n *Node) watchIdentify() error {
	sub, err := n.host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
	})
	if err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Close()
		for {
			select {
			case out, ok := <-sub.Out():
				if !ok {
					return
				}
				switch ev := out.(type) {
				case event.EvtPeerIdentificationCompleted:
					n.emit(CapabilityExchanged{
						Peer:            ev.Peer,
						Agent:           ev.AgentVersion,
						ProtocolVersion: ev.ProtocolVersion,
						NumProtocols:    len(ev.Protocols),
					})
				case event.EvtPeerIdentificationFailed:
					n.emit(CapabilityExchangeFailed{
						Peer:  ev.Peer,
						Cause: ev.Reason,
					})
				}
			case <-n.ctx.Done():
				return
			}
		}
	}()

	return nil
}
