// Package amount implements the arbitrary-precision signed integer type
// used for both winc credit and fiat minor-unit quantities. Amounts
// serialize as plain decimal strings everywhere: JSON, SQL, and logs.
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrNotAnInteger is returned by New for inputs that parse as numbers but
// carry a fractional part, e.g. "13.37".
var ErrNotAnInteger = errors.New("amount must be an integer")

var integerPattern = regexp.MustCompile(`^-?[0-9]+$`)

// Amount is an arbitrary-precision signed integer. The zero value is 0.
type Amount struct {
	value decimal.Decimal
}

// New parses a decimal-string integer. Non-numeric tokens, exponent
// notation and fractional values are rejected.
func New(s string) (Amount, error) {
	if !integerPattern.MatchString(s) {
		if _, err := decimal.NewFromString(s); err == nil {
			return Amount{}, errors.Wrapf(ErrNotAnInteger, "%q", s)
		}
		return Amount{}, fmt.Errorf("%q is not a valid amount", s)
	}
	value, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%q is not a valid amount", s)
	}
	return Amount{value: value}, nil
}

// MustNew parses like New and panics on invalid input. For literals.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err.Error())
	}
	return a
}

// FromInt64 converts a machine integer.
func FromInt64(n int64) Amount {
	return Amount{value: decimal.NewFromInt(n)}
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

func (a Amount) Plus(b Amount) Amount {
	return Amount{value: a.value.Add(b.value)}
}

func (a Amount) Minus(b Amount) Amount {
	return Amount{value: a.value.Sub(b.value)}
}

// Times multiplies by a decimal and truncates the result toward zero.
func (a Amount) Times(multiplier decimal.Decimal) Amount {
	return Amount{value: a.value.Mul(multiplier).Truncate(0)}
}

// Rounding selects the direction DividedBy rounds an inexact quotient.
type Rounding int

const (
	// RoundUp rounds away from zero. This is the default for DividedBy.
	RoundUp Rounding = iota
	// RoundDown rounds toward zero.
	RoundDown
)

// DividedBy divides by a non-zero decimal. An inexact quotient is rounded
// away from zero unless RoundDown is given. Panics on a zero divisor.
func (a Amount) DividedBy(divisor decimal.Decimal, rounding ...Rounding) Amount {
	if divisor.IsZero() {
		panic("amount: division by zero")
	}

	quotient, remainder := a.value.QuoRem(divisor, 0)
	if remainder.IsZero() {
		return Amount{value: quotient}
	}

	direction := RoundUp
	if len(rounding) > 0 {
		direction = rounding[0]
	}
	if direction == RoundDown {
		return Amount{value: quotient}
	}

	step := decimal.NewFromInt(1)
	if a.value.Sign()*divisor.Sign() < 0 {
		step = step.Neg()
	}
	return Amount{value: quotient.Add(step)}
}

// Negated returns the amount with its sign flipped.
func (a Amount) Negated() Amount {
	return Amount{value: a.value.Neg()}
}

func (a Amount) IsEqualTo(b Amount) bool {
	return a.value.Equal(b.value)
}

func (a Amount) IsGreaterThan(b Amount) bool {
	return a.value.GreaterThan(b.value)
}

func (a Amount) IsGreaterThanOrEqualTo(b Amount) bool {
	return a.value.GreaterThanOrEqual(b.value)
}

func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

func (a Amount) IsNonZeroPositiveInteger() bool {
	return a.value.IsPositive()
}

func (a Amount) IsNonZeroNegativeInteger() bool {
	return a.value.IsNegative()
}

// Max returns the greater of the two amounts.
func Max(a, b Amount) Amount {
	if a.value.GreaterThanOrEqual(b.value) {
		return a
	}
	return b
}

// Difference returns a - b, signed.
func Difference(a, b Amount) Amount {
	return a.Minus(b)
}

// Decimal exposes the underlying value for multiplier math.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

func (a Amount) String() string {
	return a.value.String()
}

// MarshalJSON serializes as a JSON string, never as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer, storing the decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for VARCHAR amount columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := New(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case int64:
		*a = FromInt64(v)
		return nil
	case nil:
		*a = Zero()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}
