package domain

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NanoPerUnit is the number of smallest on-chain units in one display unit.
const NanoPerUnit int64 = 1_000_000_000

// displayExp is the decimal exponent between nano and display units.
const displayExp = -9

// Amount is a non-negative money quantity in the smallest on-chain unit.
// The zero value is 0. Amounts are immutable: every operation returns a new
// value, so an Amount can be copied freely.
type Amount struct {
	v *big.Int
}

// NewAmount returns an Amount holding n nano units.
func NewAmount(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// AmountFromBig copies b into a new Amount. A nil b yields zero.
func AmountFromBig(b *big.Int) Amount {
	if b == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(b)}
}

// ParseAmount parses a base-10 integer string of nano units.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return Amount{}, nil
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount: invalid integer %q", s)
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount: negative value %q", s)
	}
	return Amount{v: b}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseDisplay converts a display-unit decimal string (e.g. "1.5") into nano
// units, truncating anything below one nano unit.
func ParseDisplay(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("amount: invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("amount: negative value %q", s)
	}
	return Amount{v: d.Shift(-displayExp).Truncate(0).BigInt()}, nil
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// BigInt returns a copy of the underlying integer.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.big())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a - b. Callers must ensure b <= a.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

// MulDiv returns floor(a * num / den) for a positive den.
func (a Amount) MulDiv(num, den int64) Amount {
	r := new(big.Int).Mul(a.big(), big.NewInt(num))
	return Amount{v: r.Quo(r, big.NewInt(den))}
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a.big().Sign() == 0
}

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int {
	return a.big().Sign()
}

// Rat returns a / b as an exact rational. b must be non-zero.
func (a Amount) Rat(b Amount) *big.Rat {
	return new(big.Rat).SetFrac(a.big(), b.big())
}

// String returns the nano-unit integer in base 10.
func (a Amount) String() string {
	return a.big().String()
}

// Display renders the amount in display units, e.g. "1.5".
func (a Amount) Display() string {
	return decimal.NewFromBigInt(a.big(), displayExp).String()
}

// MarshalText encodes the amount as a decimal string so JSON clients never
// lose precision.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer. Amounts are stored as NUMERIC/TEXT.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("amount: negative value %d", v)
		}
		*a = NewAmount(v)
		return nil
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
}
