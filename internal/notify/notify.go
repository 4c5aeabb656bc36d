// Package notify implements the Notification Bus: fan-out delivery of
// per-account settlement/balance notifications to whatever is listening
// for a given account, plus a node-wide broadcast feed for operational
// tooling.
//
// The hub shape — a register/unregister/broadcast goroutine with a
// bounded broadcast channel and non-blocking, drop-on-full sends to slow
// consumers — is adapted from the teacher's internal/rpc/websocket.go
// WSHub. Here the transport is the Notification struct instead of a
// typed WSEvent, and delivery additionally fans out per-account via the
// KV Backend Adapter's pubsub so notifications survive across process
// boundaries (an account's settlement engine and its owning connector
// process need not be the same process), grounded on the CCP-to-peer
// gossip use of libp2p pubsub in internal/node/node.go.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

const streamChannelPrefix = "stream_notifications:"

func channelFor(accountID uuid.UUID) string { return streamChannelPrefix + accountID.String() }

// Notification is the payload delivered to account subscribers, matching
// spec.md §6's webhook/stream contract.
type Notification struct {
	AccountID uuid.UUID       `json:"account_id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

const broadcastCapacity = 256

// Hub is the Notification Bus.
type Hub struct {
	store *kvstore.Store
	log   *logging.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID][]chan Notification

	broadcast chan Notification

	registerBroadcast   chan chan Notification
	unregisterBroadcast chan chan Notification
}

// New constructs a Hub. Call Run to start its dispatch loop and
// RunSubscriber to start consuming cross-process notifications published
// via the KV Backend Adapter's pubsub.
func New(store *kvstore.Store, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Hub{
		store:               store,
		log:                 log.Component("notify"),
		subs:                make(map[uuid.UUID][]chan Notification),
		broadcast:           make(chan Notification, broadcastCapacity),
		registerBroadcast:   make(chan chan Notification),
		unregisterBroadcast: make(chan chan Notification),
	}
}

// Subscribe registers an unbounded-intent sink for one account's
// notifications (in practice bounded at a generous depth so one stalled
// consumer cannot grow memory without limit). The returned func
// unsubscribes; it is safe to call more than once.
func (h *Hub) Subscribe(accountID uuid.UUID) (<-chan Notification, func()) {
	ch := make(chan Notification, 64)
	h.mu.Lock()
	h.subs[accountID] = append(h.subs[accountID], ch)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			list := h.subs[accountID]
			for i, c := range list {
				if c == ch {
					h.subs[accountID] = append(list[:i], list[i+1:]...)
					close(ch)
					break
				}
			}
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
		})
	}
	return ch, cancel
}

// SubscribeBroadcast registers a sink for every notification published
// node-wide, regardless of account. Intended for operator tooling (the
// websocket adapter in ws.go uses this).
func (h *Hub) SubscribeBroadcast() (<-chan Notification, func()) {
	ch := make(chan Notification, broadcastCapacity)
	h.registerBroadcast <- ch
	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unregisterBroadcast <- ch })
	}
	return ch, cancel
}

// Publish writes notification to the KV Backend Adapter's pubsub
// channel. Local delivery happens via RunSubscriber, which is itself a
// subscriber of that same channel — this process sees its own publishes
// exactly the way any other connector process sharing the backend does,
// so there is exactly one delivery path, not two.
func (h *Hub) Publish(n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := h.store.Publish(channelFor(n.AccountID), payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (h *Hub) deliverLocal(n Notification) {
	h.mu.RLock()
	sinks := h.subs[n.AccountID]
	h.mu.RUnlock()
	for _, ch := range sinks {
		select {
		case ch <- n:
		default:
			h.log.Warn("per-account notification sink full, dropping", "account", n.AccountID)
		}
	}

	select {
	case h.broadcast <- n:
	default:
		h.log.Warn("broadcast channel full, dropping notification", "account", n.AccountID)
	}
}

// Run drives the broadcast fan-out loop, registering/unregistering
// SubscribeBroadcast sinks and delivering with drop-on-full semantics,
// exactly as the teacher's WSHub.Run does for WebSocket clients.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[chan Notification]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-h.registerBroadcast:
			clients[ch] = true
		case ch := <-h.unregisterBroadcast:
			if clients[ch] {
				delete(clients, ch)
				close(ch)
			}
		case n := <-h.broadcast:
			for ch := range clients {
				select {
				case ch <- n:
				default:
					delete(clients, ch)
					close(ch)
					h.log.Warn("broadcast client buffer full, disconnecting")
				}
			}
		}
	}
}

// RunSubscriber consumes the KV Backend Adapter's pubsub feed for every
// stream_notifications:* channel — including notifications published by
// other processes — and forwards them into this Hub's local delivery
// path. It terminates when ctx is cancelled.
func (h *Hub) RunSubscriber(ctx context.Context) {
	msgs, cancel := h.store.PSubscribe(streamChannelPrefix + "*")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			suffix := strings.TrimPrefix(msg.Channel, streamChannelPrefix)
			accountID, err := uuid.Parse(suffix)
			if err != nil {
				h.log.Warn("dropping notification with malformed account id", "channel", msg.Channel, "error", err)
				continue
			}
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				h.log.Warn("dropping malformed notification payload", "account", accountID, "error", err)
				continue
			}
			h.deliverLocal(n)
		}
	}
}
