package p2p

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

// contentAddressedID derives gossipsub message IDs from the payload
// hash so identical payloads deduplicate inside the mesh regardless of
// sender.
func contentAddressedID(pmsg *pubsubpb.Message) string {
	mh, err := multihash.Sum(pmsg.GetData(), multihash.SHA2_256, -1)
	if err != nil {
		return string(pmsg.GetData())
	}
	return string(mh)
}

func (n *Node) setupGossip(ctx context.Context) error {
	ps, err := pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithMessageIdFn(contentAddressedID),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return fmt.Errorf("creating gossipsub: %w", err)
	}
	n.ps = ps

	for _, name := range Topics() {
		topic, err := ps.Join(name)
		if err != nil {
			return fmt.Errorf("joining topic %s: %w", name, err)
		}
		n.topics[name] = topic

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", name, err)
		}

		handler, err := topic.EventHandler()
		if err != nil {
			return fmt.Errorf("watching topic %s: %w", name, err)
		}

		n.wg.Add(2)
		go n.readTopic(ctx, name, sub)
		go n.watchTopicPeers(ctx, name, handler)
	}

	return nil
}

// Publish sends raw bytes on a joined topic.
func (n *Node) Publish(ctx context.Context, topicName string, data []byte) error {
	topic, ok := n.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}
	return nil
}

// readTopic forwards received messages, skipping our own publications.
func (n *Node) readTopic(ctx context.Context, name string, sub *pubsub.Subscription) {
	defer n.wg.Done()
	defer sub.Cancel()

	self := n.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Debug("Topic subscription ended",
					zap.String("topic", name),
					zap.Error(err))
			}
			return
		}
		if msg.GetFrom() == self || msg.ReceivedFrom == self {
			continue
		}
		n.emit(TopicMessageReceived{
			Topic:  name,
			Sender: msg.GetFrom(),
			Data:   msg.Data,
		})
	}
}

func (n *Node) watchTopicPeers(ctx context.Context, name string, handler *pubsub.TopicEventHandler) {
	defer n.wg.Done()
	defer handler.Cancel()

	for {
		ev, err := handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		n.emit(TopicSubscriptionChanged{
			Peer:       ev.Peer,
			Topic:      name,
			Subscribed: ev.Type == pubsub.PeerJoin,
		})
	}
}
