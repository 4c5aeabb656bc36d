// Package leftover implements the Leftover Ledger: a per-account
// append-only list of (amount, scale) pairs, summed under scale
// normalization for settlement precision-loss accounting.
//
// Scale normalization follows the power-of-ten big.Int scaling used by the
// teacher's pkg/helpers.FormatAmount/ParseAmount, generalized here from
// decimal-string formatting to the multiply/divide-with-remainder
// operations spec.md §4.7/§8 describe.
package leftover

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"github.com/interledger4j/ilpconnectord/internal/kvstore"
	"github.com/interledger4j/ilpconnectord/pkg/logging"
)

func key(id uuid.UUID) string { return "uncredited-amount:" + id.String() }

// Ledger is the Leftover Ledger.
type Ledger struct {
	store *kvstore.Store
	log   *logging.Logger
}

func New(store *kvstore.Store, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Ledger{store: store, log: log.Component("leftover")}
}

type entry struct {
	amount *big.Int
	scale  uint8
}

func encodeEntry(e entry) []byte {
	return []byte(e.amount.String() + "\x00" + strconv.Itoa(int(e.scale)))
}

func decodeEntry(raw []byte) (entry, error) {
	s := string(raw)
	sep := -1
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			sep = i
			break
		}
	}
	if sep < 0 {
		return entry{}, fmt.Errorf("corrupt leftover entry")
	}
	amount, ok := new(big.Int).SetString(s[:sep], 10)
	if !ok {
		return entry{}, fmt.Errorf("corrupt leftover entry: bad amount")
	}
	scale, err := strconv.Atoi(s[sep+1:])
	if err != nil {
		return entry{}, fmt.Errorf("corrupt leftover entry: bad scale")
	}
	return entry{amount: amount, scale: uint8(scale)}, nil
}

// pow10 returns 10^n.
func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// normalize scales amount from fromScale up to toScale (toScale >=
// fromScale) by multiplying by 10^(toScale-fromScale).
func normalize(amount *big.Int, fromScale, toScale uint8) *big.Int {
	if toScale == fromScale {
		return new(big.Int).Set(amount)
	}
	return new(big.Int).Mul(amount, pow10(toScale-fromScale))
}

// Save appends a single (amount, scale) entry to account's leftover list.
func (l *Ledger) Save(accountID uuid.UUID, amount *big.Int, scale uint8) error {
	err := l.store.Pipeline(func(tx *kvstore.Tx) error {
		return tx.RPush(key(accountID), encodeEntry(entry{amount: amount, scale: scale}))
	})
	if err != nil {
		return err
	}
	l.log.Debug("saved uncredited settlement amount", "account", accountID, "amount", amount, "scale", scale)
	return nil
}

// Clear deletes account's leftover list.
func (l *Ledger) Clear(accountID uuid.UUID) error {
	return l.store.Pipeline(func(tx *kvstore.Tx) error {
		return tx.DelList(key(accountID))
	})
}

// SumAndClear atomically reads and deletes account's leftover list, then
// normalizes every entry to the maximum scale encountered and sums them.
// On an empty list it returns (0, localScale) rather than indexing into
// an empty slice — the fix spec.md §9 calls for, in place of the
// original's panic-on-empty behavior.
func (l *Ledger) SumAndClear(accountID uuid.UUID, localScale uint8) (*big.Int, uint8, error) {
	var entries []entry
	err := l.store.Pipeline(func(tx *kvstore.Tx) error {
		raws, err := tx.LRange(key(accountID))
		if err != nil {
			return err
		}
		if err := tx.DelList(key(accountID)); err != nil {
			return err
		}
		entries = make([]entry, 0, len(raws))
		for _, raw := range raws {
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if len(entries) == 0 {
		return big.NewInt(0), localScale, nil
	}

	maxScale := entries[0].scale
	for _, e := range entries[1:] {
		if e.scale > maxScale {
			maxScale = e.scale
		}
	}

	sum := big.NewInt(0)
	for _, e := range entries {
		sum.Add(sum, normalize(e.amount, e.scale, maxScale))
	}
	return sum, maxScale, nil
}

// Load calls SumAndClear, scales the total down from its max-scale to
// localScale with floor division, and if a nonzero remainder exists,
// appends it back as (remainder, max(localScale, storedScale)).
func (l *Ledger) Load(accountID uuid.UUID, localScale uint8) (*big.Int, error) {
	total, storedScale, err := l.SumAndClear(accountID, localScale)
	if err != nil {
		return nil, err
	}

	scaled, remainder := scaleWithPrecisionLoss(total, localScale, storedScale)

	if remainder.Sign() > 0 {
		remScale := storedScale
		if localScale > remScale {
			remScale = localScale
		}
		if err := l.Save(accountID, remainder, remScale); err != nil {
			return nil, err
		}
	}

	l.log.Debug("loaded uncredited settlement amount", "account", accountID, "scaled", scaled, "remainder", remainder)
	return scaled, nil
}

// scaleWithPrecisionLoss converts amount from fromScale to toScale with
// floor division, returning (scaled value, remainder at fromScale).
func scaleWithPrecisionLoss(amount *big.Int, toScale, fromScale uint8) (*big.Int, *big.Int) {
	if toScale >= fromScale {
		return normalize(amount, fromScale, toScale), big.NewInt(0)
	}
	divisor := pow10(fromScale - toScale)
	quotient, remainder := new(big.Int).QuoRem(amount, divisor, new(big.Int))
	return quotient, remainder
}
