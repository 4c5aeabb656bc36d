package routes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	store, err := kvstore.New(kvstore.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := New(store, time.Hour, nil) // long poll: tests drive Refresh explicitly
	if err != nil {
		t.Fatalf("routes.New: %v", err)
	}
	return c
}

func alwaysExists(uuid.UUID) (bool, error) { return true, nil }
func neverExists(uuid.UUID) (bool, error)  { return false, nil }

func TestNewStartsWithEmptyTable(t *testing.T) {
	c := newTestCache(t)
	if len(c.RoutingTable()) != 0 {
		t.Errorf("RoutingTable() on a fresh cache = %v, want empty", c.RoutingTable())
	}
}

func TestSetStaticRouteIsVisibleImmediately(t *testing.T) {
	c := newTestCache(t)
	accountID := uuid.New()

	if err := c.SetStaticRoute("g.alice", accountID, alwaysExists); err != nil {
		t.Fatalf("SetStaticRoute: %v", err)
	}

	table := c.RoutingTable()
	if table["g.alice"] != accountID {
		t.Errorf("RoutingTable()[g.alice] = %v, want %v", table["g.alice"], accountID)
	}
}

func TestSetStaticRouteRejectsMissingAccount(t *testing.T) {
	c := newTestCache(t)
	err := c.SetStaticRoute("g.bob", uuid.New(), neverExists)
	if err == nil {
		t.Fatal("expected an error for a nonexistent account")
	}
	if !errors.Is(err, coreerr.ErrMissingAccounts) {
		t.Errorf("SetStaticRoute with missing account = %v, want ErrMissingAccounts", err)
	}
}

func TestStaticRouteOverridesDynamic(t *testing.T) {
	c := newTestCache(t)
	dynamicID := uuid.New()
	staticID := uuid.New()

	if err := c.SetDynamicRoute("g.alice", dynamicID); err != nil {
		t.Fatalf("SetDynamicRoute: %v", err)
	}
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.RoutingTable()["g.alice"] != dynamicID {
		t.Fatalf("table[g.alice] = %v, want dynamic id %v", c.RoutingTable()["g.alice"], dynamicID)
	}

	if err := c.SetStaticRoute("g.alice", staticID, alwaysExists); err != nil {
		t.Fatalf("SetStaticRoute: %v", err)
	}
	if c.RoutingTable()["g.alice"] != staticID {
		t.Errorf("table[g.alice] = %v, want the static override %v", c.RoutingTable()["g.alice"], staticID)
	}
}

func TestDefaultRouteUsesEmptyStringKey(t *testing.T) {
	c := newTestCache(t)
	defaultID := uuid.New()

	if err := c.SetDefaultRoute(defaultID, alwaysExists); err != nil {
		t.Fatalf("SetDefaultRoute: %v", err)
	}
	if c.RoutingTable()[""] != defaultID {
		t.Errorf("table[\"\"] = %v, want %v", c.RoutingTable()[""], defaultID)
	}
}

func TestUnsetStaticRouteFallsBackToDynamic(t *testing.T) {
	c := newTestCache(t)
	dynamicID := uuid.New()
	staticID := uuid.New()

	if err := c.SetDynamicRoute("g.alice", dynamicID); err != nil {
		t.Fatalf("SetDynamicRoute: %v", err)
	}
	if err := c.SetStaticRoute("g.alice", staticID, alwaysExists); err != nil {
		t.Fatalf("SetStaticRoute: %v", err)
	}
	if err := c.UnsetStaticRoute("g.alice"); err != nil {
		t.Fatalf("UnsetStaticRoute: %v", err)
	}
	if c.RoutingTable()["g.alice"] != dynamicID {
		t.Errorf("table[g.alice] after unset = %v, want dynamic id %v", c.RoutingTable()["g.alice"], dynamicID)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	select {
	case <-c.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop within 2s of context cancellation")
	}
}
