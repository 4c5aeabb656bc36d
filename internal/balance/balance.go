// Package balance implements the Balance Engine: atomic
// prepare/fulfill/reject/settlement transactions against a pair of
// per-account counters, each executed inside a single kvstore.Pipeline
// (one SQLite transaction) so the read-decide-write sequence sees no
// concurrent interleaving.
package balance

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/coreerr"
	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

func accountKey(id uuid.UUID) string { return "accounts:" + id.String() }

// IdempotencySetKey names the settlement-replay set for id. Exported so the
// Account Registry's Delete can clean it up without duplicating the key
// layout.
func IdempotencySetKey(id uuid.UUID) string { return "settlement-idempotency:" + id.String() }

// Engine is the Balance Engine.
type Engine struct {
	store *kvstore.Store
	log   *logging.Logger
}

func New(store *kvstore.Store, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Engine{store: store, log: log.Component("balance")}
}

func getInt64(tx *kvstore.Tx, key, field string) (int64, error) {
	v, ok, err := tx.HGet(key, field)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt field %s on %s: %w", field, key, err)
	}
	return n, nil
}

func setInt64(tx *kvstore.Tx, key, field string, v int64) error {
	return tx.HSet(key, field, []byte(strconv.FormatInt(v, 10)))
}

// addOverflows reports whether a+b overflows a signed 64-bit integer.
func addOverflows(a, b int64) bool {
	c := a + b
	return (a >= 0 && b >= 0 && c < 0) || (a < 0 && b < 0 && c >= 0)
}

// subOverflows reports whether a-b overflows a signed 64-bit integer.
func subOverflows(a, b int64) bool {
	return addOverflows(a, -b)
}

// toSigned converts an on-wire unsigned amount to a signed counter delta,
// failing BalanceOverflow if it cannot be represented (spec.md §4.4
// Numeric semantics).
func toSigned(amount uint64) (int64, error) {
	if amount > 1<<63-1 {
		return 0, fmt.Errorf("%w: amount %d exceeds int64 range", coreerr.ErrBalanceOverflow, amount)
	}
	return int64(amount), nil
}

// Prepare subtracts incomingAmount from from.balance, consuming
// prepaid_amount first if nonzero. Fails InsufficientBalance if the
// resulting balance would fall below min_balance (when set). Zero amount
// is a no-op. Returns the new balance+prepaid_amount sum.
func (e *Engine) Prepare(fromID uuid.UUID, incomingAmount uint64) (int64, error) {
	if incomingAmount == 0 {
		var sum int64
		err := e.store.Pipeline(func(tx *kvstore.Tx) error {
			balance, err := getInt64(tx, accountKey(fromID), "balance")
			if err != nil {
				return err
			}
			prepaid, err := getInt64(tx, accountKey(fromID), "prepaid_amount")
			if err != nil {
				return err
			}
			sum = balance + prepaid
			return nil
		})
		return sum, err
	}

	amount, err := toSigned(incomingAmount)
	if err != nil {
		return 0, err
	}

	var sum int64
	err = e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(fromID)
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		prepaid, err := getInt64(tx, key, "prepaid_amount")
		if err != nil {
			return err
		}

		// Consume prepaid_amount first.
		fromPrepaid := amount
		if fromPrepaid > prepaid {
			fromPrepaid = prepaid
		}
		remaining := amount - fromPrepaid
		newPrepaid := prepaid - fromPrepaid

		if subOverflows(balance, remaining) {
			return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, fromID)
		}
		newBalance := balance - remaining

		minBalance, hasMin, err := hgetInt64Ptr(tx, key, "min_balance")
		if err != nil {
			return err
		}
		if hasMin && newBalance < minBalance {
			return fmt.Errorf("%w: account %s", coreerr.ErrInsufficientBalance, fromID)
		}

		if err := setInt64(tx, key, "balance", newBalance); err != nil {
			return err
		}
		if err := setInt64(tx, key, "prepaid_amount", newPrepaid); err != nil {
			return err
		}
		sum = newBalance + newPrepaid
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug("prepare applied", "account", fromID, "amount", incomingAmount, "balance_sum", sum)
	return sum, nil
}

// Fulfill adds outgoingAmount to to.balance. If settle_threshold is set
// and the new balance is >= settle_threshold, computes
// amount_to_settle = balance - settle_to, decreases balance by that
// amount, and returns (new_balance, amount_to_settle); otherwise returns
// (new_balance, 0). The caller issues the settlement request and calls
// RefundSettlement if it fails.
func (e *Engine) Fulfill(toID uuid.UUID, outgoingAmount uint64) (newBalance int64, amountToSettle uint64, err error) {
	amount, err := toSigned(outgoingAmount)
	if err != nil {
		return 0, 0, err
	}

	err = e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(toID)
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		if addOverflows(balance, amount) {
			return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, toID)
		}
		balance += amount

		threshold, hasThreshold, err := hgetInt64Ptr(tx, key, "settle_threshold")
		if err != nil {
			return err
		}
		if hasThreshold && balance >= threshold {
			settleTo, _, err := hgetInt64Ptr(tx, key, "settle_to")
			if err != nil {
				return err
			}
			settleAmount := balance - settleTo
			if settleAmount < 0 {
				settleAmount = 0
			}
			if subOverflows(balance, settleAmount) {
				return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, toID)
			}
			balance -= settleAmount
			amountToSettle = uint64(settleAmount)
		}

		newBalance = balance
		return setInt64(tx, key, "balance", balance)
	})
	if err != nil {
		return 0, 0, err
	}
	e.log.Debug("fulfill applied", "account", toID, "amount", outgoingAmount, "new_balance", newBalance, "settle", amountToSettle)
	return newBalance, amountToSettle, nil
}

// Reject is the inverse of Prepare: adds incomingAmount back to
// from.balance. Zero amount is a no-op.
func (e *Engine) Reject(fromID uuid.UUID, incomingAmount uint64) (int64, error) {
	if incomingAmount == 0 {
		return e.currentSum(fromID)
	}
	amount, err := toSigned(incomingAmount)
	if err != nil {
		return 0, err
	}

	var sum int64
	err = e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(fromID)
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		if addOverflows(balance, amount) {
			return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, fromID)
		}
		balance += amount
		if err := setInt64(tx, key, "balance", balance); err != nil {
			return err
		}
		prepaid, err := getInt64(tx, key, "prepaid_amount")
		if err != nil {
			return err
		}
		sum = balance + prepaid
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug("reject applied", "account", fromID, "amount", incomingAmount, "balance_sum", sum)
	return sum, nil
}

// RefundSettlement adds settleAmount back to balance. Used when an
// outbound settlement call failed after Fulfill had already debited.
func (e *Engine) RefundSettlement(toID uuid.UUID, settleAmount uint64) error {
	amount, err := toSigned(settleAmount)
	if err != nil {
		return err
	}
	err = e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(toID)
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		if addOverflows(balance, amount) {
			return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, toID)
		}
		return setInt64(tx, key, "balance", balance+amount)
	})
	if err != nil {
		return err
	}
	e.log.Debug("settlement refunded", "account", toID, "amount", settleAmount)
	return nil
}

// IncomingSettlement credits prepaid_amount by amount only if
// idempotencyKey has not previously been recorded, inside the same atomic
// script, so concurrent duplicate callbacks are safe (spec.md §4.4, §8
// property 4).
func (e *Engine) IncomingSettlement(accountID uuid.UUID, amount uint64, idempotencyKey string) (int64, error) {
	delta, err := toSigned(amount)
	if err != nil {
		return 0, err
	}

	var balanceSum int64
	err = e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(accountID)
		seen, err := tx.SIsMember(IdempotencySetKey(accountID), idempotencyKey)
		if err != nil {
			return err
		}
		prepaid, err := getInt64(tx, key, "prepaid_amount")
		if err != nil {
			return err
		}
		if !seen {
			if addOverflows(prepaid, delta) {
				return fmt.Errorf("%w: account %s", coreerr.ErrBalanceOverflow, accountID)
			}
			prepaid += delta
			if err := setInt64(tx, key, "prepaid_amount", prepaid); err != nil {
				return err
			}
			if err := tx.SAdd(IdempotencySetKey(accountID), idempotencyKey); err != nil {
				return err
			}
		}
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		balanceSum = balance + prepaid
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug("incoming settlement processed", "account", accountID, "amount", amount, "idempotency_key", idempotencyKey, "balance_sum", balanceSum)
	return balanceSum, nil
}

func (e *Engine) currentSum(id uuid.UUID) (int64, error) {
	var sum int64
	err := e.store.Pipeline(func(tx *kvstore.Tx) error {
		key := accountKey(id)
		balance, err := getInt64(tx, key, "balance")
		if err != nil {
			return err
		}
		prepaid, err := getInt64(tx, key, "prepaid_amount")
		if err != nil {
			return err
		}
		sum = balance + prepaid
		return nil
	})
	return sum, err
}

func hgetInt64Ptr(tx *kvstore.Tx, key, field string) (int64, bool, error) {
	v, ok, err := tx.HGet(key, field)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt field %s on %s: %w", field, key, err)
	}
	return n, true, nil
}
