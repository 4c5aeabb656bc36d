// Package store wires the KV Backend Adapter, Account Registry, Routing
// Table Cache, Balance Engine, Rate Limiter, Idempotency Cache, Leftover
// Ledger, and Notification Bus behind one aggregate root, and exposes
// the four collaborator-contract operations spec.md §6 names
// (UpdateBalancesForPrepare/Fulfill/Reject, UpdateBalanceForIncoming-
// Settlement/RefundSettlement, RoutingTable).
//
// The constructor-wiring-then-Start/Stop-lifecycle shape is adapted from
// the teacher's internal/node.New/Start/Stop: a context derived in the
// constructor is cancelled by Close, and every background goroutine
// (routing table refresh, notification relay) is told to exit through
// that cancellation rather than a bespoke done-channel per component.
package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/accounts"
	"github.com/interledger4j/ilpconnectord/internal/balance"
	"github.com/interledger4j/ilpconnectord/internal/config"
	"github.com/interledger4j/ilpconnectord/internal/idempotency"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/internal/leftover"
	"github.com/interledger4j/ilpconnectord/internal/notify"
	"github.com/interledger4j/ilpconnectord/internal/ratelimit"
	"github.com/interledger4j/ilpconnectord/internal/routes"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

// Store is the connector core's aggregate root.
type Store struct {
	kv *kvstore.Store

	Accounts    *accounts.Registry
	Balances    *balance.Engine
	Routes      *routes.Cache
	RateLimiter *ratelimit.Limiter
	Idempotency *idempotency.Cache
	Leftover    *leftover.Ledger
	Notify      *notify.Hub

	pubsubTransport *notify.PubsubTransport

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Store from cfg and starts every background
// goroutine (KV pubsub dispatcher, routing table refresh, notification
// relays). Call Close to stop them and release the backing database.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	log = log.Component("store")

	nodeSecret, err := cfg.NodeSecret()
	if err != nil {
		return nil, fmt.Errorf("load node secret: %w", err)
	}

	kv, err := kvstore.New(kvstore.Config{
		DataDir:      cfg.Storage.DataDir,
		PollInterval: cfg.Storage.PubsubPollInterval,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv backend: %w", err)
	}

	accountRegistry, err := accounts.NewRegistry(kv, nodeSecret, log)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("build account registry: %w", err)
	}

	routingCache, err := routes.New(kv, cfg.Routing.RefreshInterval, log)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("build routing table cache: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Store{
		kv:          kv,
		Accounts:    accountRegistry,
		Balances:    balance.New(kv, log),
		Routes:      routingCache,
		RateLimiter: ratelimit.New(kv, log),
		Idempotency: idempotency.New(kv, log),
		Leftover:    leftover.New(kv, log),
		Notify:      notify.New(kv, log),
		log:         log,
		ctx:         runCtx,
		cancel:      cancel,
	}

	go s.Routes.Run(runCtx)
	go s.Notify.Run(runCtx)
	go s.Notify.RunSubscriber(runCtx)

	host, ps, err := notify.NewLocalPubSub(runCtx)
	if err != nil {
		log.Warn("notification gossip transport unavailable, falling back to in-process pubsub only", "error", err)
	} else {
		transport, err := notify.NewPubsubTransport(ps, s.Notify, log)
		if err != nil {
			log.Warn("failed to join notification gossip topic", "error", err)
			host.Close()
		} else {
			s.pubsubTransport = transport
			go transport.Run(runCtx, host.ID().String())
			go func() {
				<-runCtx.Done()
				transport.Close()
				host.Close()
			}()
		}
	}

	return s, nil
}

// Close stops all background goroutines and closes the KV backend.
func (s *Store) Close() error {
	s.cancel()
	return s.kv.Close()
}

// UpdateBalancesForPrepare debits fromID's balance for an incoming ILP
// Prepare, applying the Rate Limiter first, per spec.md §6.
func (s *Store) UpdateBalancesForPrepare(account ratelimit.Account, incomingAmount uint64) (int64, error) {
	if err := s.RateLimiter.Apply(account, incomingAmount); err != nil {
		return 0, err
	}
	balanceSum, err := s.Balances.Prepare(account.ID, incomingAmount)
	if err != nil {
		s.RateLimiter.Refund(account, incomingAmount)
		return 0, err
	}
	return balanceSum, nil
}

// UpdateBalanceForFulfill credits toID's balance for an outgoing ILP
// Fulfill and triggers settlement accounting, per spec.md §6.
func (s *Store) UpdateBalanceForFulfill(toID uuid.UUID, outgoingAmount uint64) (newBalance int64, amountToSettle uint64, err error) {
	return s.Balances.Fulfill(toID, outgoingAmount)
}

// UpdateBalancesForReject reverses a Prepare debit and refunds the rate
// limiter's throughput bucket, per spec.md §6.
func (s *Store) UpdateBalancesForReject(account ratelimit.Account, incomingAmount uint64) (int64, error) {
	sum, err := s.Balances.Reject(account.ID, incomingAmount)
	if err != nil {
		return 0, err
	}
	s.RateLimiter.Refund(account, incomingAmount)
	return sum, nil
}

// UpdateBalanceForIncomingSettlement credits accountID's prepaid_amount
// for an inbound settlement notification, deduplicated by idempotencyKey.
func (s *Store) UpdateBalanceForIncomingSettlement(accountID uuid.UUID, amount uint64, idempotencyKey string) (int64, error) {
	return s.Balances.IncomingSettlement(accountID, amount, idempotencyKey)
}

// RefundSettlement reverses a Fulfill-triggered settlement debit after an
// outbound settlement call failed.
func (s *Store) RefundSettlement(toID uuid.UUID, settleAmount uint64) error {
	return s.Balances.RefundSettlement(toID, settleAmount)
}

// RoutingTable returns the current routing table snapshot.
func (s *Store) RoutingTable() map[string]uuid.UUID {
	return s.Routes.RoutingTable()
}

// NotifySettlement publishes a settlement notification for accountID
// through the Notification Bus, and gossips it over the libp2p topic when
// that transport is running (a gossip failure is logged, not returned).
func (s *Store) NotifySettlement(accountID uuid.UUID, kind string, data []byte) error {
	n := notify.Notification{AccountID: accountID, Kind: kind, Data: data}
	if err := s.Notify.Publish(n); err != nil {
		return err
	}
	if s.pubsubTransport != nil {
		if err := s.pubsubTransport.Publish(s.ctx, n); err != nil {
			s.log.Warn("failed to gossip notification", "account", accountID, "error", err)
		}
	}
	return nil
}

// RecordLeftover appends an uncredited settlement remainder to the
// Leftover Ledger.
func (s *Store) RecordLeftover(accountID uuid.UUID, amount *big.Int, scale uint8) error {
	return s.Leftover.Save(accountID, amount, scale)
}
