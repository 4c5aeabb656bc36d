package leftover

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/kvstore"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := kvstore.New(kvstore.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func TestLoadOnEmptyListReturnsZero(t *testing.T) {
	l := newTestLedger(t)
	total, err := l.Load(uuid.New(), 6)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if total.Sign() != 0 {
		t.Errorf("Load on empty ledger = %s, want 0", total)
	}
}

// TestLoadWorkedExample reproduces the two-deposit scenario: 12345 at
// scale 9 plus 6789 at scale 6, loaded at local scale 6, should net
// 6801 with remainder 345 carried forward at scale 9.
func TestLoadWorkedExample(t *testing.T) {
	l := newTestLedger(t)
	account := uuid.New()

	if err := l.Save(account, big.NewInt(12345), 9); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.Save(account, big.NewInt(6789), 6); err != nil {
		t.Fatalf("Save: %v", err)
	}

	total, err := l.Load(account, 6)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if total.Cmp(big.NewInt(6801)) != 0 {
		t.Errorf("Load = %s, want 6801", total)
	}

	// The 345@scale9 remainder should have been re-persisted; a second
	// Load at the same local scale should see it summed in again.
	total2, err := l.Load(account, 6)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if total2.Sign() != 0 {
		t.Errorf("second Load at scale 6 over a 345@scale9 remainder = %s, want 0 (remainder < 1 unit at scale 6)", total2)
	}
}

func TestClearRemovesEntries(t *testing.T) {
	l := newTestLedger(t)
	account := uuid.New()

	if err := l.Save(account, big.NewInt(500), 6); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := l.Clear(account); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	total, err := l.Load(account, 6)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if total.Sign() != 0 {
		t.Errorf("Load after Clear = %s, want 0", total)
	}
}

func TestSaveMultipleScalesSumCorrectly(t *testing.T) {
	l := newTestLedger(t)
	account := uuid.New()

	if err := l.Save(account, big.NewInt(1), 2); err != nil { // 0.01 at scale 2
		t.Fatalf("Save: %v", err)
	}
	if err := l.Save(account, big.NewInt(10), 3); err != nil { // 0.010 at scale 3
		t.Fatalf("Save: %v", err)
	}

	total, err := l.Load(account, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if total.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("Load = %s, want 2", total)
	}
}
