// Package accounts implements the Account Registry: encrypted CRUD over
// account records, indexed by UUID and by username.
package accounts

import (
	"net/url"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/ilpaddr"
	"github.com/interledger4j/ilpconnectord/pkg/helpers"
)

// RoutingRelation is the role a peer plays relative to this node.
type RoutingRelation string

const (
	RelationParent     RoutingRelation = "Parent"
	RelationPeer       RoutingRelation = "Peer"
	RelationChild      RoutingRelation = "Child"
	RelationNonRouting RoutingRelation = "NonRouting"
)

// DefaultRoundTripTime is used by the expiry-shortener collaborator when an
// account does not configure its own round trip time.
const DefaultRoundTripTime = 500

// Account is the identity record for a peer link.
type Account struct {
	ID       uuid.UUID
	Username string
	Address  ilpaddr.Address

	AssetCode  string
	AssetScale uint8

	MaxPacketAmount uint64

	MinBalance      *int64
	SettleThreshold *int64
	SettleTo        *int64

	Relation       RoutingRelation
	RoundTripTime  uint32

	HTTPURL            *url.URL
	HTTPIncomingToken  []byte // plaintext once decrypted; nil if unset
	HTTPOutgoingToken  []byte
	BTPURL             *url.URL
	BTPIncomingToken   []byte
	BTPOutgoingToken   []byte

	PacketsPerMinuteLimit *uint32
	AmountPerMinuteLimit  *uint64

	SettlementEngineURL *url.URL
}

// IsRoutingAccount reports whether the account participates in route
// advertisement (Parent/Peer/Child), as opposed to a purely local user.
func (a *Account) IsRoutingAccount() bool {
	return a.Relation != RelationNonRouting
}

// SendsRoutesTo reports whether the CCP collaborator should advertise
// routes to this account: Peer and Child accounts receive our table;
// Parent accounts do not (they are upstream of us).
func (a *Account) SendsRoutesTo() bool {
	return a.Relation == RelationPeer || a.Relation == RelationChild
}

// ReceivesRoutesFrom reports whether routes learned from this account
// should be accepted into our table: Peer and Parent accounts advertise to
// us; Child accounts do not.
func (a *Account) ReceivesRoutesFrom() bool {
	return a.Relation == RelationPeer || a.Relation == RelationParent
}

// FormatBalance renders a raw smallest-unit balance in this account's
// asset units, for logging and API responses.
func (a *Account) FormatBalance(amount int64) string {
	sign := ""
	unsigned := amount
	if amount < 0 {
		sign = "-"
		unsigned = -amount
	}
	return sign + helpers.FormatAmount(uint64(unsigned), a.AssetScale)
}
