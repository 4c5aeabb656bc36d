package kvstore

import (
	"database/sql"
	"fmt"
)

// Tx is a single atomic pipeline: every operation invoked against it
// commits or rolls back as a unit when the Pipeline callback returns.
type Tx struct {
	tx *sql.Tx
}

// Pipeline runs fn inside one atomic SQLite transaction. All operations
// performed on the supplied *Tx succeed or fail as a unit, matching the
// spec's "atomic pipeline execution" requirement for the backend adapter.
func (s *Store) Pipeline(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		return s.wrapTransient(err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.wrapTransient(fmt.Errorf("commit pipeline: %w", err))
	}
	return nil
}

// --- string ---

func (t *Tx) SetString(key string, value []byte) error {
	_, err := t.tx.Exec(`INSERT INTO kv_string(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (t *Tx) GetString(key string) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRow(`SELECT value FROM kv_string WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *Tx) DelString(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_string WHERE key = ?`, key)
	return err
}

// --- hash ---

func (t *Tx) HSet(key, field string, value []byte) error {
	_, err := t.tx.Exec(`INSERT INTO kv_hash(key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`, key, field, value)
	return err
}

func (t *Tx) HGet(key, field string) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRow(`SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *Tx) HGetAll(key string) (map[string][]byte, error) {
	rows, err := t.tx.Query(`SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (t *Tx) HDel(key, field string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_hash WHERE key = ? AND field = ?`, key, field)
	return err
}

func (t *Tx) HDelAll(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_hash WHERE key = ?`, key)
	return err
}

// --- set ---

func (t *Tx) SAdd(key, member string) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO kv_set(key, member) VALUES (?, ?)`, key, member)
	return err
}

func (t *Tx) SRem(key, member string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_set WHERE key = ? AND member = ?`, key, member)
	return err
}

func (t *Tx) SIsMember(key, member string) (bool, error) {
	var one int
	err := t.tx.QueryRow(`SELECT 1 FROM kv_set WHERE key = ? AND member = ?`, key, member).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tx) SMembers(key string) ([]string, error) {
	rows, err := t.tx.Query(`SELECT member FROM kv_set WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DelSet removes every member of the set at key.
func (t *Tx) DelSet(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_set WHERE key = ?`, key)
	return err
}

// --- list ---

// RPush appends value to the end of the list at key.
func (t *Tx) RPush(key string, value []byte) error {
	var maxPos sql.NullInt64
	if err := t.tx.QueryRow(`SELECT MAX(position) FROM kv_list WHERE key = ?`, key).Scan(&maxPos); err != nil {
		return err
	}
	next := int64(0)
	if maxPos.Valid {
		next = maxPos.Int64 + 1
	}
	_, err := t.tx.Exec(`INSERT INTO kv_list(key, position, value) VALUES (?, ?, ?)`, key, next, value)
	return err
}

// LRange returns all values for key in insertion order.
func (t *Tx) LRange(key string) ([][]byte, error) {
	rows, err := t.tx.Query(`SELECT value FROM kv_list WHERE key = ? ORDER BY position ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *Tx) DelList(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_list WHERE key = ?`, key)
	return err
}

// --- ttl ---

// Expire sets key to expire ttlSeconds from now. Any primitive table may
// carry a ttl row; readers of ttl-bearing keys must consult Expired first.
func (t *Tx) Expire(key string, ttlSeconds int64) error {
	_, err := t.tx.Exec(`INSERT INTO kv_ttl(key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`, key, nowUnix()+ttlSeconds)
	return err
}

// Expired reports whether key has an expiry row in the past.
func (t *Tx) Expired(key string) (bool, error) {
	var expiresAt int64
	err := t.tx.QueryRow(`SELECT expires_at FROM kv_ttl WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expiresAt <= nowUnix(), nil
}

func (t *Tx) DelTTL(key string) error {
	_, err := t.tx.Exec(`DELETE FROM kv_ttl WHERE key = ?`, key)
	return err
}

// Publish queues payload for delivery to pattern subscribers on channel,
// in the same atomic pipeline as whatever state change triggered it.
func (t *Tx) Publish(channel string, payload []byte) error {
	_, err := t.tx.Exec(`INSERT INTO kv_pubsub_queue(channel, payload, created_at) VALUES (?, ?, ?)`,
		channel, payload, nowUnix())
	return err
}

// Exec runs an arbitrary statement against the pipeline's transaction, for
// callers that need a bespoke statement beyond the primitive helpers above.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// QueryRow runs an arbitrary read against the pipeline's transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(query, args...)
}
