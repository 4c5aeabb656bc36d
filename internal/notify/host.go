// Minimal libp2p host bootstrap giving PubsubTransport a transport to
// run on. This core is a library embedded into a larger connector
// process, not a standalone P2P node, so unlike the teacher's
// internal/node.Node this constructs no DHT, no mDNS discovery, and no
// NAT/relay/hole-punching options — only identity, transports,
// muxers, and security, adapted down from the teacher's libp2p.New option list in
// internal/node/node.go.
package notify

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
)

// NewLocalPubSub constructs a libp2p host with a fresh identity and a
// GossipSub router over it. The caller is responsible for closing the
// returned host when done (h.Close()).
func NewLocalPubSub(ctx context.Context) (host.Host, *pubsub.PubSub, error) {
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("create gossipsub router: %w", err)
	}
	return h, ps, nil
}
