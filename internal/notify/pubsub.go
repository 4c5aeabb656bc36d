// go-libp2p-pubsub transport for the Notification Bus. Unlike the
// kvstore-backed channel (one process, one SQLite file), this topic
// lets notifications reach connector processes that are peers on the
// same libp2p swarm but do not share a KV Backend Adapter instance — the
// thin cross-process stand-in spec.md §1.3/§4.8 calls for.
//
// Grounded on the teacher's internal/node package, which joins pubsub
// topics on its libp2p host for peer-discovery gossip; this reuses the
// same join/publish/subscribe shape for a single fixed topic instead of
// one topic per discovered peer.
package notify

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

// notificationTopic is the single libp2p pubsub topic name used for
// cross-process notification gossip. Libp2p pubsub topics carry no
// wildcard subscription like PSUBSCRIBE does, so every notification is
// published to this one topic and filtered client-side by AccountID,
// mirroring the account-UUID field already present on Notification.
const notificationTopic = "stream_notifications"

// PubsubTransport publishes and relays Notifications over a libp2p
// pubsub topic, bridging them into a Hub's local delivery path exactly
// as RunSubscriber does for the kvstore channel.
type PubsubTransport struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	hub   *Hub
	log   *logging.Logger
}

// NewPubsubTransport joins the fixed notification topic on ps.
func NewPubsubTransport(ps *pubsub.PubSub, hub *Hub, log *logging.Logger) (*PubsubTransport, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	topic, err := ps.Join(notificationTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, err
	}
	return &PubsubTransport{topic: topic, sub: sub, hub: hub, log: log.Component("notify-pubsub")}, nil
}

// Publish gossips n to every peer subscribed to the notification topic.
func (t *PubsubTransport) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, payload)
}

// Run relays incoming gossip messages into the Hub's local delivery
// path until ctx is cancelled.
func (t *PubsubTransport) Run(ctx context.Context, selfID string) {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			// context cancellation surfaces here; any other error means
			// the subscription is dead and cannot be recovered.
			return
		}
		if msg.ReceivedFrom.String() == selfID {
			continue
		}
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			t.log.Warn("dropping malformed gossip notification", "error", err)
			continue
		}
		t.hub.deliverLocal(n)
	}
}

// Close releases the underlying subscription and topic handle.
func (t *PubsubTransport) Close() {
	t.sub.Cancel()
	t.topic.Close()
}
