// Package routes implements the Routing Table Cache: an in-memory map from
// ILP-address prefix to account UUID, periodically refreshed from three
// persisted sources (dynamic, static, default).
//
// The refresh loop's ticker-plus-context-cancellation shape is grounded on
// the teacher's internal/node/retry_worker.go; the cache pointer itself
// uses read-copy-update (atomic.Pointer swap) per spec.md §9's explicit
// guidance, rather than a plain RWMutex, since the routing table is read
// on every packet.
package routes

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

const (
	dynamicRoutesKey = "routes:current"
	staticRoutesKey  = "routes:static"
	defaultRouteKey  = "routes:default"

	// DefaultPollInterval is the background refresh tick, per spec.md §4.3.
	DefaultPollInterval = 30 * time.Second
)

// Cache is the Routing Table Cache.
type Cache struct {
	store   *kvstore.Store
	log     *logging.Logger
	table   atomic.Pointer[map[string]uuid.UUID]
	poll    time.Duration
	stopped chan struct{}
}

// New constructs a Cache and performs an initial synchronous refresh so
// the table is populated before the background loop's first tick.
func New(store *kvstore.Store, poll time.Duration, log *logging.Logger) (*Cache, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = logging.GetDefault()
	}
	c := &Cache{store: store, poll: poll, log: log.Component("routes"), stopped: make(chan struct{})}
	empty := make(map[string]uuid.UUID)
	c.table.Store(&empty)
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// RoutingTable returns the current snapshot. Readers acquire only the
// pointer load; they never block a concurrent refresh, and the map they
// receive is never mutated in place.
func (c *Cache) RoutingTable() map[string]uuid.UUID {
	return *c.table.Load()
}

// Refresh reads all three sources in one pipeline and computes a new map
// whose insertion order is: dynamic entries, then the default route under
// the empty-string key (if set), then static entries (overwriting) — the
// exact composition spec.md §4.3/§8 property 6 requires.
func (c *Cache) Refresh() error {
	var dynamic, static map[string][]byte
	var defaultID []byte
	var hasDefault bool

	err := c.store.Pipeline(func(tx *kvstore.Tx) error {
		var err error
		dynamic, err = tx.HGetAll(dynamicRoutesKey)
		if err != nil {
			return err
		}
		static, err = tx.HGetAll(staticRoutesKey)
		if err != nil {
			return err
		}
		defaultID, hasDefault, err = tx.GetString(defaultRouteKey)
		return err
	})
	if err != nil {
		return err
	}

	next := make(map[string]uuid.UUID, len(dynamic)+len(static)+1)
	for prefix, idBytes := range dynamic {
		id, err := uuid.Parse(string(idBytes))
		if err != nil {
			c.log.Warn("skipping dynamic route with invalid account id", "prefix", prefix, "error", err)
			continue
		}
		next[prefix] = id
	}
	if hasDefault {
		id, err := uuid.Parse(string(defaultID))
		if err != nil {
			c.log.Warn("skipping default route with invalid account id", "error", err)
		} else {
			next[""] = id
		}
	}
	for prefix, idBytes := range static {
		id, err := uuid.Parse(string(idBytes))
		if err != nil {
			c.log.Warn("skipping static route with invalid account id", "prefix", prefix, "error", err)
			continue
		}
		next[prefix] = id
	}

	c.table.Store(&next)
	c.log.Debug("routing table refreshed", "routes", len(next))
	return nil
}

// Run starts the background refresh loop. It owns no strong reference
// back to the store beyond the context it is given; it terminates when
// ctx is cancelled (by Store.Close, or any caller-supplied shutdown
// context), realizing spec.md §9's "weak handle upgrade failure"
// requirement as plain context cancellation.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("routing table refresh loop stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(); err != nil {
				c.log.Warn("routing table refresh failed", "error", err)
			}
		}
	}
}

// Stopped is closed once Run has returned.
func (c *Cache) Stopped() <-chan struct{} { return c.stopped }

// SetStaticRoute writes a single static override and triggers an
// immediate refresh. It fails MissingAccounts if accountID does not
// exist.
func (c *Cache) SetStaticRoute(prefix string, accountID uuid.UUID, accountExists func(uuid.UUID) (bool, error)) error {
	exists, err := accountExists(accountID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", coreerr.ErrMissingAccounts, accountID)
	}
	if err := c.store.HSet(staticRoutesKey, prefix, []byte(accountID.String())); err != nil {
		return err
	}
	return c.Refresh()
}

// UnsetStaticRoute removes a static override and triggers an immediate
// refresh.
func (c *Cache) UnsetStaticRoute(prefix string) error {
	if err := c.store.HDel(staticRoutesKey, prefix); err != nil {
		return err
	}
	return c.Refresh()
}

// SetDefaultRoute writes the fallback account and triggers an immediate
// refresh. It fails MissingAccounts if accountID does not exist.
func (c *Cache) SetDefaultRoute(accountID uuid.UUID, accountExists func(uuid.UUID) (bool, error)) error {
	exists, err := accountExists(accountID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", coreerr.ErrMissingAccounts, accountID)
	}
	if err := c.store.SetString(defaultRouteKey, []byte(accountID.String())); err != nil {
		return err
	}
	return c.Refresh()
}

// SetDynamicRoute writes a single dynamic route entry (the Account
// Registry writes the same hash directly inside its own pipelines) without
// forcing an immediate refresh — dynamic changes are picked up by the
// next scheduled tick, matching spec.md §4.3's mutation rule which only
// names static/default writes as refresh-triggering.
func (c *Cache) SetDynamicRoute(prefix string, accountID uuid.UUID) error {
	return c.store.HSet(dynamicRoutesKey, prefix, []byte(accountID.String()))
}

// UnsetDynamicRoute removes a single dynamic route entry.
func (c *Cache) UnsetDynamicRoute(prefix string) error {
	return c.store.HDel(dynamicRoutesKey, prefix)
}
