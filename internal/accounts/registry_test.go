package accounts

import (
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/balance"
	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/ilpaddr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/internal/ratelimit"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := kvstore.New(kvstore.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	secret := make([]byte, 32)
	reg, err := NewRegistry(store, secret, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func mustAddr(t *testing.T, s string) ilpaddr.Address {
	t.Helper()
	addr, err := ilpaddr.Parse(s)
	if err != nil {
		t.Fatalf("ilpaddr.Parse(%q): %v", s, err)
	}
	return addr
}

func TestInsertAndGet(t *testing.T) {
	r := newTestRegistry(t)

	acct, err := r.Insert(&Account{
		Username:          "Alice",
		Address:           mustAddr(t, "g.alice"),
		AssetCode:         "USD",
		AssetScale:        6,
		Relation:          RelationPeer,
		HTTPIncomingToken: []byte("secret-in"),
		HTTPOutgoingToken: []byte("secret-out"),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if acct.ID == uuid.Nil {
		t.Fatal("expected a minted id")
	}

	got, err := r.Get(acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want lowercased %q", got.Username, "alice")
	}
	if string(got.HTTPIncomingToken) != "secret-in" {
		t.Errorf("HTTPIncomingToken did not round-trip through encryption: %q", got.HTTPIncomingToken)
	}
}

func TestInsertDuplicateUsernameRejected(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Insert(&Account{Username: "bob", Address: mustAddr(t, "g.bob")}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	// Case-insensitive collision.
	_, err := r.Insert(&Account{Username: "BOB", Address: mustAddr(t, "g.bob2")})
	if !errors.Is(err, coreerr.ErrAccountExists) {
		t.Fatalf("second Insert = %v, want ErrAccountExists", err)
	}
}

func TestGetByUsernameIsCaseInsensitive(t *testing.T) {
	r := newTestRegistry(t)
	inserted, err := r.Insert(&Account{Username: "Carol", Address: mustAddr(t, "g.carol")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := r.GetByUsername("cAROL")
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	if got.ID != inserted.ID {
		t.Errorf("GetByUsername returned a different account")
	}
}

func TestUpdateRejectsAddressChange(t *testing.T) {
	r := newTestRegistry(t)
	acct, err := r.Insert(&Account{Username: "dave", Address: mustAddr(t, "g.dave")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	patched := *acct
	patched.Address = mustAddr(t, "g.dave.moved")
	_, err = r.Update(acct.ID, &patched)
	if !errors.Is(err, coreerr.ErrAddressImmutable) {
		t.Fatalf("Update with changed address = %v, want ErrAddressImmutable", err)
	}
}

func TestUpdateSameAddressSucceeds(t *testing.T) {
	r := newTestRegistry(t)
	acct, err := r.Insert(&Account{Username: "erin", Address: mustAddr(t, "g.erin")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	patched := *acct
	patched.AssetCode = "EUR"
	updated, err := r.Update(acct.ID, &patched)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.AssetCode != "EUR" {
		t.Errorf("AssetCode = %q, want EUR", updated.AssetCode)
	}
}

func TestLookupByHTTPAuth(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Insert(&Account{
		Username:          "frank",
		Address:           mustAddr(t, "g.frank"),
		HTTPIncomingToken: []byte("correct-token"),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := r.LookupByHTTPAuth("frank", []byte("correct-token")); err != nil {
		t.Fatalf("LookupByHTTPAuth with correct token: %v", err)
	}

	_, err = r.LookupByHTTPAuth("frank", []byte("wrong-token"))
	if !errors.Is(err, coreerr.ErrUnauthorized) {
		t.Fatalf("LookupByHTTPAuth with wrong token = %v, want ErrUnauthorized", err)
	}
}

func TestDeleteRemovesAccount(t *testing.T) {
	r := newTestRegistry(t)
	acct, err := r.Insert(&Account{Username: "gina", Address: mustAddr(t, "g.gina")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := r.Delete(acct.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err = r.Get(acct.ID)
	if !errors.Is(err, coreerr.ErrAccountNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrAccountNotFound", err)
	}
}

// countKeysContaining scans every kv_* table directly (bypassing the
// Registry's own accessors) for any row whose key references needle,
// verifying spec.md §8 property 5: no key bearing a deleted id's bytes
// survives the delete.
func countKeysContaining(t *testing.T, store *kvstore.Store, needle string) int {
	t.Helper()
	tables := []struct {
		table, keyCol string
	}{
		{"kv_string", "key"},
		{"kv_hash", "key"},
		{"kv_set", "key"},
		{"kv_list", "key"},
		{"kv_ttl", "key"},
	}
	total := 0
	for _, tbl := range tables {
		row := store.DB().QueryRow(
			`SELECT COUNT(*) FROM `+tbl.table+` WHERE `+tbl.keyCol+` LIKE '%' || ? || '%'`, needle)
		var n int
		if err := row.Scan(&n); err != nil {
			t.Fatalf("scanning %s: %v", tbl.table, err)
		}
		total += n
	}
	return total
}

func TestDeleteRemovesCollaboratorKeys(t *testing.T) {
	r := newTestRegistry(t)
	acct, err := r.Insert(&Account{Username: "iris", Address: mustAddr(t, "g.iris")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	packetLimit := uint32(10)
	throughputLimit := uint64(1_000_000)
	limiter := ratelimit.New(r.store, nil)
	if err := limiter.Apply(ratelimit.Account{
		ID:                    acct.ID,
		PacketsPerMinuteLimit: &packetLimit,
		AmountPerMinuteLimit:  &throughputLimit,
	}, 500); err != nil {
		t.Fatalf("ratelimit Apply: %v", err)
	}

	engine := balance.New(r.store, nil)
	if _, err := engine.IncomingSettlement(acct.ID, 100, "settle-key-1"); err != nil {
		t.Fatalf("IncomingSettlement: %v", err)
	}

	if before := countKeysContaining(t, r.store, acct.ID.String()); before == 0 {
		t.Fatal("test setup did not populate any collaborator keys for this id")
	}

	if _, err := r.Delete(acct.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if after := countKeysContaining(t, r.store, acct.ID.String()); after != 0 {
		t.Errorf("residual rows referencing deleted id = %d, want 0", after)
	}
}

func TestInsertRejectsInvalidSettlementEngineURL(t *testing.T) {
	r := newTestRegistry(t)
	bad, err := url.Parse("not-a-url")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	_, err = r.Insert(&Account{
		Username:            "hank",
		Address:             mustAddr(t, "g.hank"),
		SettlementEngineURL: bad,
	})
	if !errors.Is(err, coreerr.ErrInvalidEngineURL) {
		t.Fatalf("Insert with invalid settlement engine url = %v, want ErrInvalidEngineURL", err)
	}
}
