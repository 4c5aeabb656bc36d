// Package kvstore provides the KV Backend Adapter: a reconnecting handle to
// the persistent store backing every other component. It offers the small
// set of primitive shapes (string, hash, set, list) and the atomic
// multi-operation and pubsub facilities the rest of the core builds on.
//
// No key-value/pubsub client library appears anywhere in the example corpus
// this module was grounded on, so the adapter is built on database/sql plus
// mattn/go-sqlite3, following the connection-pool and schema-init pattern of
// the teacher's internal/storage package, with pubsub realized as a polled
// table rather than a server push (see DESIGN.md).
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

// Store is the KV Backend Adapter. It is safe for concurrent use; callers
// do not need to clone it before passing it to goroutines.
type Store struct {
	mu  sync.Mutex // serializes pipelines; sqlite allows one writer
	db  *sql.DB
	dsn string
	log *logging.Logger

	subMu   sync.Mutex
	subs    map[string][]*subscription
	nextSub uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Store.
type Config struct {
	// DataDir holds the sqlite file. "~" is expanded to the home directory.
	DataDir string
	// PollInterval is how often the pubsub dispatcher goroutine checks for
	// new published messages. Defaults to 50ms.
	PollInterval time.Duration
	Logger       *logging.Logger
}

// New opens (creating if necessary) the backing store and starts its
// background pubsub dispatcher.
func New(cfg Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dsn := filepath.Join(dataDir, "connector.db")

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}
	log = log.Component("kvstore")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:     db,
		dsn:    dsn,
		log:    log,
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		cancel()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	s.wg.Add(1)
	go s.runPubsubDispatcher(poll)

	return s, nil
}

// Close stops the pubsub dispatcher and closes the database handle.
// Goroutines started outside this package, such as the Routing Table
// Cache refresh loop, are not stopped by Close; they exit when the context
// their owner gave them is cancelled. Store holds no reference to them.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries outside the
// Pipeline API (the account registry tests use it to scan the tables).
func (s *Store) DB() *sql.DB { return s.db }

// Done returns a channel closed when the store is shutting down.
func (s *Store) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_string (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_hash (
		key   TEXT NOT NULL,
		field TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (key, field)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_hash_key ON kv_hash(key);

	CREATE TABLE IF NOT EXISTS kv_set (
		key    TEXT NOT NULL,
		member TEXT NOT NULL,
		PRIMARY KEY (key, member)
	);

	CREATE TABLE IF NOT EXISTS kv_list (
		key      TEXT NOT NULL,
		position INTEGER NOT NULL,
		value    BLOB NOT NULL,
		PRIMARY KEY (key, position)
	);

	CREATE TABLE IF NOT EXISTS kv_ttl (
		key        TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_ttl_expires ON kv_ttl(expires_at);

	CREATE TABLE IF NOT EXISTS kv_pubsub_queue (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pubsub_queue_id ON kv_pubsub_queue(id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// isTransient classifies a driver error as retryable, the Go analogue of
// the original RedisReconnect's transport-error detection: database/sql
// already owns reconnection, so this only has to recognize the busy/locked
// cases sqlite surfaces under write contention.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (s *Store) wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", coreerr.ErrTransient, err)
	}
	return err
}

func nowUnix() int64 { return time.Now().Unix() }
