// Package bytecount holds Count, a non-negative byte counter of unbounded
// magnitude. Counts travel as JSON integers (or decimal strings) and are
// stored in NUMERIC columns.
package bytecount

import (
	"bytes"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// Count is immutable; the zero value is 0.
type Count struct {
	n *big.Int
}

var (
	ten = big.NewInt(10)

	_ pgtype.NumericValuer  = Count{}
	_ pgtype.NumericScanner = (*Count)(nil)
)

// FromUint64 converts a native counter.
func FromUint64(v uint64) Count {
	return Count{n: new(big.Int).SetUint64(v)}
}

// FromInt64 converts v, which must not be negative.
func FromInt64(v int64) (Count, error) {
	if v < 0 {
		return Count{}, fmt.Errorf("negative byte count %d", v)
	}
	return Count{n: big.NewInt(v)}, nil
}

// Parse reads a base-10 integer literal. Exponent forms are accepted when
// they denote an integer, since some clients serialize large counters that
// way.
func Parse(s string) (Count, error) {
	if s == "" {
		return Count{}, fmt.Errorf("empty byte count")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		f, _, err := big.ParseFloat(s, 10, 512, big.ToNearestEven)
		if err != nil {
			return Count{}, fmt.Errorf("invalid byte count %q", s)
		}
		if !f.IsInt() {
			return Count{}, fmt.Errorf("byte count %q is not an integer", s)
		}
		n, _ = f.Int(nil)
	}
	if n.Sign() < 0 {
		return Count{}, fmt.Errorf("negative byte count %q", s)
	}
	return Count{n: n}, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Count {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Count) big() *big.Int {
	if c.n == nil {
		return new(big.Int)
	}
	return c.n
}

// Big returns a copy of the value.
func (c Count) Big() *big.Int {
	return new(big.Int).Set(c.big())
}

func (c Count) IsZero() bool {
	return c.n == nil || c.n.Sign() == 0
}

func (c Count) Add(o Count) Count {
	return Count{n: new(big.Int).Add(c.big(), o.big())}
}

// Sub returns c-o, clamped at zero.
func (c Count) Sub(o Count) Count {
	d := new(big.Int).Sub(c.big(), o.big())
	if d.Sign() < 0 {
		d.SetInt64(0)
	}
	return Count{n: d}
}

func (c Count) Cmp(o Count) int {
	return c.big().Cmp(o.big())
}

func (c Count) Equal(o Count) bool {
	return c.Cmp(o) == 0
}

// Float64 is lossy above 2^53 and only meant for ratios and display.
func (c Count) Float64() float64 {
	f, _ := new(big.Float).SetInt(c.big()).Float64()
	return f
}

// Uint64 reports whether c fits in a uint64 together with the value.
func (c Count) Uint64() (uint64, bool) {
	b := c.big()
	if !b.IsUint64() {
		return math.MaxUint64, false
	}
	return b.Uint64(), true
}

func (c Count) String() string {
	return c.big().String()
}

// MarshalJSON writes a bare integer literal of any length.
func (c Count) MarshalJSON() ([]byte, error) {
	return []byte(c.big().String()), nil
}

// UnmarshalJSON accepts an integer literal or a quoted decimal string.
func (c *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("byte count must not be null")
	}
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NumericValue implements pgtype.NumericValuer.
func (c Count) NumericValue() (pgtype.Numeric, error) {
	return pgtype.Numeric{Int: c.Big(), Exp: 0, Valid: true}, nil
}

// ScanNumeric implements pgtype.NumericScanner. NULL scans as zero so that
// SUM over no rows needs no COALESCE.
func (c *Count) ScanNumeric(v pgtype.Numeric) error {
	if !v.Valid {
		*c = Count{}
		return nil
	}
	if v.NaN || v.InfinityModifier != pgtype.Finite {
		return fmt.Errorf("cannot scan non-finite numeric into byte count")
	}
	n := new(big.Int)
	if v.Int != nil {
		n.Set(v.Int)
	}
	switch {
	case v.Exp > 0:
		n.Mul(n, new(big.Int).Exp(ten, big.NewInt(int64(v.Exp)), nil))
	case v.Exp < 0:
		div := new(big.Int).Exp(ten, big.NewInt(int64(-v.Exp)), nil)
		q, r := new(big.Int).QuoRem(n, div, new(big.Int))
		if r.Sign() != 0 {
			return fmt.Errorf("cannot scan fractional numeric into byte count")
		}
		n = q
	}
	if n.Sign() < 0 {
		return fmt.Errorf("cannot scan negative numeric into byte count")
	}
	*c = Count{n: n}
	return nil
}

// Sum adds all counts.
func Sum(counts ...Count) Count {
	total := new(big.Int)
	for _, c := range counts {
		total.Add(total, c.big())
	}
	return Count{n: total}
}

// Share returns part/total as a percentage, 0 when total is 0.
func Share(part, total Count) float64 {
	if total.IsZero() {
		return 0
	}
	r := new(big.Rat).SetFrac(part.big(), total.big())
	f, _ := r.Float64()
	return f * 100
}
