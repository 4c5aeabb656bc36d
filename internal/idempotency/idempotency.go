// Package idempotency implements the Idempotency Cache: a time-bounded
// memo of (status, body, input-hash) keyed by client-supplied token.
package idempotency

import (
	"fmt"
	"strconv"

	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

// TTLSeconds is the record lifetime, per spec.md §4.6/§6.
const TTLSeconds = 86400

// Record is a cached (status, body, input-hash) triple.
type Record struct {
	StatusCode int
	Body       []byte
	InputHash  [32]byte
}

func key(idempotencyKey string) string { return "idempotency-key:" + idempotencyKey }

// Cache is the Idempotency Cache.
type Cache struct {
	store *kvstore.Store
	log   *logging.Logger
}

func New(store *kvstore.Store, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Cache{store: store, log: log.Component("idempotency")}
}

// Load returns the cached record for key, or (nil, nil) if absent or
// expired. The caller compares InputHash against the current request's
// hash and replays the cached response on match; on mismatch the caller
// returns a conflict error.
func (c *Cache) Load(idempotencyKey string) (*Record, error) {
	var rec *Record
	err := c.store.Pipeline(func(tx *kvstore.Tx) error {
		k := key(idempotencyKey)
		expired, err := tx.Expired(k)
		if err != nil {
			return err
		}
		if expired {
			return nil
		}
		fields, err := tx.HGetAll(k)
		if err != nil {
			return err
		}
		statusBytes, ok1 := fields["status_code"]
		body, ok2 := fields["data"]
		hashBytes, ok3 := fields["input_hash"]
		if !ok1 || !ok2 || !ok3 {
			return nil
		}
		status, err := strconv.Atoi(string(statusBytes))
		if err != nil {
			return fmt.Errorf("corrupt idempotency record %s: %w", idempotencyKey, err)
		}
		if len(hashBytes) != 32 {
			return fmt.Errorf("corrupt idempotency record %s: bad input hash length", idempotencyKey)
		}
		var hash [32]byte
		copy(hash[:], hashBytes)
		rec = &Record{StatusCode: status, Body: body, InputHash: hash}
		return nil
	})
	return rec, err
}

// Save caches status/body under idempotencyKey for TTLSeconds.
func (c *Cache) Save(idempotencyKey string, inputHash [32]byte, statusCode int, body []byte) error {
	err := c.store.Pipeline(func(tx *kvstore.Tx) error {
		k := key(idempotencyKey)
		if err := tx.HSet(k, "status_code", []byte(strconv.Itoa(statusCode))); err != nil {
			return err
		}
		if err := tx.HSet(k, "data", body); err != nil {
			return err
		}
		if err := tx.HSet(k, "input_hash", inputHash[:]); err != nil {
			return err
		}
		return tx.Expire(k, TTLSeconds)
	})
	if err != nil {
		return err
	}
	c.log.Debug("cached idempotent response", "key", idempotencyKey, "status", statusCode)
	return nil
}
