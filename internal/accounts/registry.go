package accounts

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/balance"
	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/ilpaddr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/internal/ratelimit"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

const (
	accountsSetKey      = "accounts"
	usernamesHashKey    = "usernames"
	sendRoutesToSetKey  = "send_routes_to"
	receiveFromSetKey   = "receive_routes_from"
	btpOutgoingSetKey   = "btp_outgoing"
	dynamicRoutesHash   = "routes:current"
)

func accountKey(id uuid.UUID) string { return "accounts:" + id.String() }

// Registry is the Account Registry: encrypted CRUD over account records.
type Registry struct {
	store  *kvstore.Store
	cipher *tokenCipher
	log    *logging.Logger
}

// NewRegistry derives the token encryption key from nodeSecret and wipes
// nodeSecret immediately afterward, per spec.md §4.2/§5.
func NewRegistry(store *kvstore.Store, nodeSecret []byte, log *logging.Logger) (*Registry, error) {
	tc, err := newTokenCipher(nodeSecret)
	secureClear(nodeSecret)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.GetDefault()
	}
	return &Registry{store: store, cipher: tc, log: log.Component("accounts")}, nil
}

// Insert mints a new account id and persists details atomically: the
// uniqueness checks, set memberships, balance initialization, route entry,
// and account hash all happen inside a single pipeline.
func (r *Registry) Insert(details *Account) (*Account, error) {
	if details.SettlementEngineURL != nil {
		if err := validateEngineURL(details.SettlementEngineURL.String()); err != nil {
			return nil, err
		}
	}

	acct := *details
	acct.ID = uuid.New()
	if acct.RoundTripTime == 0 {
		acct.RoundTripTime = DefaultRoundTripTime
	}

	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		exists, err := tx.SIsMember(accountsSetKey, acct.ID.String())
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountExists, acct.ID)
		}
		if _, ok, err := tx.HGet(usernamesHashKey, strings.ToLower(acct.Username)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: username %s", coreerr.ErrAccountExists, acct.Username)
		}
		if acct.Relation == RelationParent {
			hasParent, err := parentExists(tx)
			if err != nil {
				return err
			}
			if hasParent {
				return fmt.Errorf("%w: a Parent account already exists", coreerr.ErrAccountExists)
			}
		}

		if err := tx.SAdd(accountsSetKey, acct.ID.String()); err != nil {
			return err
		}
		if err := tx.HSet(usernamesHashKey, strings.ToLower(acct.Username), []byte(acct.ID.String())); err != nil {
			return err
		}
		if err := tx.HSet(accountKey(acct.ID), "balance", []byte("0")); err != nil {
			return err
		}
		if err := tx.HSet(accountKey(acct.ID), "prepaid_amount", []byte("0")); err != nil {
			return err
		}
		if err := applyRouteBookkeeping(tx, &acct); err != nil {
			return err
		}
		if !acct.Address.Empty() {
			if err := tx.HSet(dynamicRoutesHash, string(acct.Address), []byte(acct.ID.String())); err != nil {
				return err
			}
		}
		return r.writeAccountHash(tx, &acct)
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("account inserted", "id", acct.ID, "username", acct.Username)
	return &acct, nil
}

// Update overwrites an existing account's details, requiring the id to
// already exist, and re-applies route/set bookkeeping exactly as Insert
// does. Per the design decision recorded in DESIGN.md (resolving spec.md
// §9's stale-route note), changing ilp_address via Update is rejected;
// callers must delete and re-insert to move an account to a new address.
func (r *Registry) Update(id uuid.UUID, details *Account) (*Account, error) {
	if details.SettlementEngineURL != nil {
		if err := validateEngineURL(details.SettlementEngineURL.String()); err != nil {
			return nil, err
		}
	}

	acct := *details
	acct.ID = id
	if acct.RoundTripTime == 0 {
		acct.RoundTripTime = DefaultRoundTripTime
	}

	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		exists, err := tx.SIsMember(accountsSetKey, id.String())
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}

		existingFields, err := tx.HGetAll(accountKey(id))
		if err != nil {
			return err
		}
		if existingAddr, ok := existingFields["ilp_address"]; ok {
			if string(existingAddr) != string(acct.Address) {
				return fmt.Errorf("%w: account %s", coreerr.ErrAddressImmutable, id)
			}
		}

		if err := applyRouteBookkeeping(tx, &acct); err != nil {
			return err
		}
		if !acct.Address.Empty() {
			if err := tx.HSet(dynamicRoutesHash, string(acct.Address), []byte(id.String())); err != nil {
				return err
			}
		}
		return r.writeAccountHash(tx, &acct)
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("account updated", "id", acct.ID)
	return &acct, nil
}

// ModifySettings patches a subset of fields: URLs, tokens (re-encrypted),
// settle_threshold, and settle_to. settle_to greater than 2^63-1 is
// rejected.
type SettingsPatch struct {
	HTTPURL           *url.URL
	HTTPIncomingToken []byte
	HTTPOutgoingToken []byte
	BTPURL            *url.URL
	BTPIncomingToken  []byte
	BTPOutgoingToken  []byte
	SettleThreshold   *int64
	SettleTo          *int64
}

func (r *Registry) ModifySettings(id uuid.UUID, patch *SettingsPatch) (*Account, error) {
	var updated Account
	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		fields, err := tx.HGetAll(accountKey(id))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}
		acct, err := decodeAccountFields(r.cipher, fields)
		if err != nil {
			return err
		}

		if patch.HTTPURL != nil {
			acct.HTTPURL = patch.HTTPURL
		}
		if patch.HTTPIncomingToken != nil {
			acct.HTTPIncomingToken = patch.HTTPIncomingToken
		}
		if patch.HTTPOutgoingToken != nil {
			acct.HTTPOutgoingToken = patch.HTTPOutgoingToken
		}
		if patch.BTPURL != nil {
			acct.BTPURL = patch.BTPURL
		}
		if patch.BTPIncomingToken != nil {
			acct.BTPIncomingToken = patch.BTPIncomingToken
		}
		if patch.BTPOutgoingToken != nil {
			acct.BTPOutgoingToken = patch.BTPOutgoingToken
		}
		if patch.SettleThreshold != nil {
			acct.SettleThreshold = patch.SettleThreshold
		}
		if patch.SettleTo != nil {
			if *patch.SettleTo > 1<<63-1 {
				return fmt.Errorf("%w: settle_to exceeds 2^63-1", coreerr.ErrInvalidAccount)
			}
			acct.SettleTo = patch.SettleTo
		}

		updated = *acct
		return r.writeAccountHash(tx, acct)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetSettlementEngineURL validates and writes the per-account settlement
// engine override at write time (resolving spec.md §9's open question in
// favor of write-time validation).
func (r *Registry) SetSettlementEngineURL(id uuid.UUID, rawURL string) error {
	if err := validateEngineURL(rawURL); err != nil {
		return err
	}
	return r.store.Pipeline(func(tx *kvstore.Tx) error {
		exists, err := tx.SIsMember(accountsSetKey, id.String())
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}
		return tx.HSet(accountKey(id), "settlement_engine_url", []byte(rawURL))
	})
}

func validateEngineURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s", coreerr.ErrInvalidEngineURL, raw)
	}
	return nil
}

// Delete removes every key referencing id: the accounts set, username map,
// all routing sets, the dynamic route entry, the leftover list, the rate
// limiter buckets, the settlement-idempotency set, and the account hash.
// Returns the former record.
func (r *Registry) Delete(id uuid.UUID) (*Account, error) {
	var removed Account
	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		fields, err := tx.HGetAll(accountKey(id))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}
		acct, err := decodeAccountFields(r.cipher, fields)
		if err != nil {
			return err
		}
		removed = *acct

		if err := tx.SRem(accountsSetKey, id.String()); err != nil {
			return err
		}
		if err := tx.HDel(usernamesHashKey, acct.Username); err != nil {
			return err
		}
		if err := tx.SRem(sendRoutesToSetKey, id.String()); err != nil {
			return err
		}
		if err := tx.SRem(receiveFromSetKey, id.String()); err != nil {
			return err
		}
		if err := tx.SRem(btpOutgoingSetKey, id.String()); err != nil {
			return err
		}
		if !acct.Address.Empty() {
			if err := tx.HDel(dynamicRoutesHash, string(acct.Address)); err != nil {
				return err
			}
		}
		if err := tx.DelList(uncreditedAmountKey(id)); err != nil {
			return err
		}
		// Collaborators keyed by id outside the accounts:{id} hash: the rate
		// limiter's bucket rows (and their expiry rows) and the balance
		// engine's settlement-replay set. Without these, spec.md §8 property
		// 5 (no key referencing a deleted id survives) would not hold.
		if err := tx.HDelAll(ratelimit.PacketsKey(id)); err != nil {
			return err
		}
		if err := tx.DelTTL(ratelimit.PacketsKey(id)); err != nil {
			return err
		}
		if err := tx.HDelAll(ratelimit.ThroughputKey(id)); err != nil {
			return err
		}
		if err := tx.DelTTL(ratelimit.ThroughputKey(id)); err != nil {
			return err
		}
		if err := tx.DelSet(balance.IdempotencySetKey(id)); err != nil {
			return err
		}
		return tx.HDelAll(accountKey(id))
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("account deleted", "id", id)
	return &removed, nil
}

// Get decrypts tokens on the way out using the decryption key.
func (r *Registry) Get(id uuid.UUID) (*Account, error) {
	var acct *Account
	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		fields, err := tx.HGetAll(accountKey(id))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}
		acct, err = decodeAccountFields(r.cipher, fields)
		return err
	})
	return acct, err
}

// GetByUsername looks up an account by its case-insensitive username.
func (r *Registry) GetByUsername(username string) (*Account, error) {
	var acct *Account
	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		idBytes, ok, err := tx.HGet(usernamesHashKey, strings.ToLower(username))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: username %s", coreerr.ErrAccountNotFound, username)
		}
		id, err := uuid.Parse(string(idBytes))
		if err != nil {
			return fmt.Errorf("%w: corrupt username mapping for %s", coreerr.ErrAccountNotFound, username)
		}
		fields, err := tx.HGetAll(accountKey(id))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: id %s", coreerr.ErrAccountNotFound, id)
		}
		acct, err = decodeAccountFields(r.cipher, fields)
		return err
	})
	return acct, err
}

// GetMany loads every id in ids. The result length must equal len(ids);
// otherwise it fails WrongLength, matching spec.md §4.2.
func (r *Registry) GetMany(ids []uuid.UUID) ([]*Account, error) {
	var out []*Account
	err := r.store.Pipeline(func(tx *kvstore.Tx) error {
		out = make([]*Account, 0, len(ids))
		for _, id := range ids {
			fields, err := tx.HGetAll(accountKey(id))
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				continue
			}
			acct, err := decodeAccountFields(r.cipher, fields)
			if err != nil {
				return err
			}
			out = append(out, acct)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, fmt.Errorf("%w: requested %d, found %d", coreerr.ErrWrongLength, len(ids), len(out))
	}
	return out, nil
}

// LookupByHTTPAuth loads the account by username and compares the provided
// token constant-time against its decrypted incoming HTTP token.
func (r *Registry) LookupByHTTPAuth(username string, token []byte) (*Account, error) {
	return r.lookupByAuth(username, token, func(a *Account) []byte { return a.HTTPIncomingToken })
}

// LookupByBTPAuth is the bilateral-WS analogue of LookupByHTTPAuth.
func (r *Registry) LookupByBTPAuth(username string, token []byte) (*Account, error) {
	return r.lookupByAuth(username, token, func(a *Account) []byte { return a.BTPIncomingToken })
}

func (r *Registry) lookupByAuth(username string, token []byte, field func(*Account) []byte) (*Account, error) {
	acct, err := r.GetByUsername(username)
	if err != nil {
		return nil, err
	}
	if !constantTimeEqual(field(acct), token) {
		return nil, fmt.Errorf("%w: username %s", coreerr.ErrUnauthorized, username)
	}
	return acct, nil
}

func parentExists(tx *kvstore.Tx) (bool, error) {
	ids, err := tx.SMembers(accountsSetKey)
	if err != nil {
		return false, err
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		rel, ok, err := tx.HGet(accountKey(id), "routing_relation")
		if err != nil {
			return false, err
		}
		if ok && RoutingRelation(rel) == RelationParent {
			return true, nil
		}
	}
	return false, nil
}

// applyRouteBookkeeping conditionally adds id to send_routes_to /
// receive_routes_from / btp_outgoing based on relation and channel
// configuration, matching spec.md §4.2's insert/update bookkeeping.
func applyRouteBookkeeping(tx *kvstore.Tx, acct *Account) error {
	idStr := acct.ID.String()

	if acct.SendsRoutesTo() {
		if err := tx.SAdd(sendRoutesToSetKey, idStr); err != nil {
			return err
		}
	} else {
		if err := tx.SRem(sendRoutesToSetKey, idStr); err != nil {
			return err
		}
	}

	if acct.ReceivesRoutesFrom() {
		if err := tx.SAdd(receiveFromSetKey, idStr); err != nil {
			return err
		}
	} else {
		if err := tx.SRem(receiveFromSetKey, idStr); err != nil {
			return err
		}
	}

	if acct.BTPURL != nil {
		if err := tx.SAdd(btpOutgoingSetKey, idStr); err != nil {
			return err
		}
	} else {
		if err := tx.SRem(btpOutgoingSetKey, idStr); err != nil {
			return err
		}
	}
	return nil
}

func uncreditedAmountKey(id uuid.UUID) string { return "uncredited-amount:" + id.String() }

// writeAccountHash encrypts credential tokens and writes every account
// hash field in one call, reusing the caller's transaction.
func (r *Registry) writeAccountHash(tx *kvstore.Tx, acct *Account) error {
	set := func(field, value string) error {
		if value == "" {
			return nil
		}
		return tx.HSet(accountKey(acct.ID), field, []byte(value))
	}
	setEncrypted := func(field string, plaintext []byte) error {
		if len(plaintext) == 0 {
			return nil
		}
		ct, err := r.cipher.encrypt(plaintext)
		if err != nil {
			return err
		}
		return tx.HSet(accountKey(acct.ID), field, ct)
	}

	if err := set("id", acct.ID.String()); err != nil {
		return err
	}
	if err := set("username", strings.ToLower(acct.Username)); err != nil {
		return err
	}
	if err := set("ilp_address", string(acct.Address)); err != nil {
		return err
	}
	if err := set("asset_code", acct.AssetCode); err != nil {
		return err
	}
	if err := set("asset_scale", strconv.Itoa(int(acct.AssetScale))); err != nil {
		return err
	}
	if err := set("max_packet_amount", strconv.FormatUint(acct.MaxPacketAmount, 10)); err != nil {
		return err
	}
	if err := set("routing_relation", string(acct.Relation)); err != nil {
		return err
	}
	if err := set("round_trip_time", strconv.FormatUint(uint64(acct.RoundTripTime), 10)); err != nil {
		return err
	}

	if acct.HTTPURL != nil {
		if err := set("ilp_over_http_url", acct.HTTPURL.String()); err != nil {
			return err
		}
	}
	if err := setEncrypted("ilp_over_http_incoming_token", acct.HTTPIncomingToken); err != nil {
		return err
	}
	if err := setEncrypted("ilp_over_http_outgoing_token", acct.HTTPOutgoingToken); err != nil {
		return err
	}
	if acct.BTPURL != nil {
		if err := set("ilp_over_btp_url", acct.BTPURL.String()); err != nil {
			return err
		}
	}
	if err := setEncrypted("ilp_over_btp_incoming_token", acct.BTPIncomingToken); err != nil {
		return err
	}
	if err := setEncrypted("ilp_over_btp_outgoing_token", acct.BTPOutgoingToken); err != nil {
		return err
	}
	if acct.SettleThreshold != nil {
		if err := set("settle_threshold", strconv.FormatInt(*acct.SettleThreshold, 10)); err != nil {
			return err
		}
	}
	if acct.SettleTo != nil {
		if err := set("settle_to", strconv.FormatInt(*acct.SettleTo, 10)); err != nil {
			return err
		}
	}
	if acct.PacketsPerMinuteLimit != nil {
		if err := set("packets_per_minute_limit", strconv.FormatUint(uint64(*acct.PacketsPerMinuteLimit), 10)); err != nil {
			return err
		}
	}
	if acct.AmountPerMinuteLimit != nil {
		if err := set("amount_per_minute_limit", strconv.FormatUint(*acct.AmountPerMinuteLimit, 10)); err != nil {
			return err
		}
	}
	if acct.MinBalance != nil {
		if err := set("min_balance", strconv.FormatInt(*acct.MinBalance, 10)); err != nil {
			return err
		}
	}
	if acct.SettlementEngineURL != nil {
		if err := set("settlement_engine_url", acct.SettlementEngineURL.String()); err != nil {
			return err
		}
	}
	return nil
}

func decodeAccountFields(tc *tokenCipher, fields map[string][]byte) (*Account, error) {
	acct := &Account{Relation: RelationNonRouting, RoundTripTime: DefaultRoundTripTime}

	if v, ok := fields["id"]; ok {
		id, err := uuid.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid id", coreerr.ErrInvalidAccount)
		}
		acct.ID = id
	}
	if v, ok := fields["username"]; ok {
		acct.Username = string(v)
	}
	if v, ok := fields["ilp_address"]; ok {
		addr, err := ilpaddr.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", coreerr.ErrInvalidAccount, err)
		}
		acct.Address = addr
	}
	if v, ok := fields["asset_code"]; ok {
		acct.AssetCode = string(v)
	}
	if v, ok := fields["asset_scale"]; ok {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid asset_scale", coreerr.ErrInvalidAccount)
		}
		acct.AssetScale = uint8(n)
	}
	if v, ok := fields["max_packet_amount"]; ok {
		n, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max_packet_amount", coreerr.ErrInvalidAccount)
		}
		acct.MaxPacketAmount = n
	}
	if v, ok := fields["routing_relation"]; ok {
		acct.Relation = RoutingRelation(v)
	}
	if v, ok := fields["round_trip_time"]; ok {
		n, err := strconv.ParseUint(string(v), 10, 32)
		if err == nil {
			acct.RoundTripTime = uint32(n)
		}
	}
	if v, ok := fields["ilp_over_http_url"]; ok {
		u, err := url.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ilp_over_http_url", coreerr.ErrInvalidAccount)
		}
		acct.HTTPURL = u
	}
	if v, ok := fields["ilp_over_http_incoming_token"]; ok {
		pt, err := tc.decrypt(v)
		if err != nil {
			return nil, err
		}
		acct.HTTPIncomingToken = pt
	}
	if v, ok := fields["ilp_over_http_outgoing_token"]; ok {
		pt, err := tc.decrypt(v)
		if err != nil {
			return nil, err
		}
		acct.HTTPOutgoingToken = pt
	}
	if v, ok := fields["ilp_over_btp_url"]; ok {
		u, err := url.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ilp_over_btp_url", coreerr.ErrInvalidAccount)
		}
		acct.BTPURL = u
	}
	if v, ok := fields["ilp_over_btp_incoming_token"]; ok {
		pt, err := tc.decrypt(v)
		if err != nil {
			return nil, err
		}
		acct.BTPIncomingToken = pt
	}
	if v, ok := fields["ilp_over_btp_outgoing_token"]; ok {
		pt, err := tc.decrypt(v)
		if err != nil {
			return nil, err
		}
		acct.BTPOutgoingToken = pt
	}
	if v, ok := fields["settle_threshold"]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err == nil {
			acct.SettleThreshold = &n
		}
	}
	if v, ok := fields["settle_to"]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err == nil {
			acct.SettleTo = &n
		}
	}
	if v, ok := fields["packets_per_minute_limit"]; ok {
		n, err := strconv.ParseUint(string(v), 10, 32)
		if err == nil {
			n32 := uint32(n)
			acct.PacketsPerMinuteLimit = &n32
		}
	}
	if v, ok := fields["amount_per_minute_limit"]; ok {
		n, err := strconv.ParseUint(string(v), 10, 64)
		if err == nil {
			acct.AmountPerMinuteLimit = &n
		}
	}
	if v, ok := fields["min_balance"]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err == nil {
			acct.MinBalance = &n
		}
	}
	if v, ok := fields["settlement_engine_url"]; ok {
		u, err := url.Parse(string(v))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid settlement_engine_url", coreerr.ErrInvalidAccount)
		}
		acct.SettlementEngineURL = u
	}

	return acct, nil
}
