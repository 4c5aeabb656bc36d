package ratelimit

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	store, err := kvstore.New(kvstore.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func uintp(v uint32) *uint32 { return &v }
func u64p(v uint64) *uint64  { return &v }

func TestApplyNoLimitsConfiguredIsNoop(t *testing.T) {
	l := newTestLimiter(t)
	account := Account{ID: uuid.New()}
	if err := l.Apply(account, 1000); err != nil {
		t.Fatalf("Apply with no limits configured should not fail: %v", err)
	}
}

func TestApplyPacketLimitExceeded(t *testing.T) {
	l := newTestLimiter(t)
	account := Account{ID: uuid.New(), PacketsPerMinuteLimit: uintp(2)}

	if err := l.Apply(account, 1); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := l.Apply(account, 1); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	err := l.Apply(account, 1)
	if !errors.Is(err, coreerr.ErrPacketLimitExceeded) {
		t.Fatalf("third Apply: got %v, want ErrPacketLimitExceeded", err)
	}
}

func TestApplyThroughputLimitExceeded(t *testing.T) {
	l := newTestLimiter(t)
	account := Account{ID: uuid.New(), AmountPerMinuteLimit: u64p(100)}

	if err := l.Apply(account, 60); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	err := l.Apply(account, 60)
	if !errors.Is(err, coreerr.ErrThroughputLimitExceeded) {
		t.Fatalf("second Apply: got %v, want ErrThroughputLimitExceeded", err)
	}
}

func TestRefundFreesThroughputBudget(t *testing.T) {
	l := newTestLimiter(t)
	account := Account{ID: uuid.New(), AmountPerMinuteLimit: u64p(100)}

	if err := l.Apply(account, 90); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := l.Apply(account, 20); !errors.Is(err, coreerr.ErrThroughputLimitExceeded) {
		t.Fatalf("Apply over budget should fail, got %v", err)
	}

	l.Refund(account, 90)

	if err := l.Apply(account, 90); err != nil {
		t.Fatalf("Apply after refund should succeed: %v", err)
	}
}

func TestRefundWithNoLimitConfiguredIsNoop(t *testing.T) {
	l := newTestLimiter(t)
	account := Account{ID: uuid.New()}
	l.Refund(account, 500) // must not panic or error
}
