package idempotency

import (
	"testing"

	"github.com/interledger4j/ilpconnectord/internal/kvstore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	store, err := kvstore.New(kvstore.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func TestSaveThenLoad(t *testing.T) {
	c := newTestCache(t)

	hash := [32]byte{1, 2, 3}
	if err := c.Save("tok-1", hash, 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := c.Load("tok-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a cached record, got nil")
	}
	if rec.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", rec.StatusCode)
	}
	if string(rec.Body) != `{"ok":true}` {
		t.Errorf("Body = %q", rec.Body)
	}
	if rec.InputHash != hash {
		t.Errorf("InputHash = %v, want %v", rec.InputHash, hash)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	c := newTestCache(t)

	rec, err := c.Load("never-saved")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for missing key, got %+v", rec)
	}
}

func TestSaveOverwritesExistingKey(t *testing.T) {
	c := newTestCache(t)

	first := [32]byte{9}
	second := [32]byte{8}
	if err := c.Save("tok-2", first, 200, []byte("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := c.Save("tok-2", second, 202, []byte("b")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := c.Load("tok-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.StatusCode != 202 || string(rec.Body) != "b" || rec.InputHash != second {
		t.Errorf("expected the second save to win, got %+v", rec)
	}
}
