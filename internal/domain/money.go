package domain

import (
	"fmt"
	"math"
	"math/big"
)

// Money is a signed amount in minor currency units (cents). Transaction
// amounts are always fixed-point; float64 only appears at source boundaries
// and is converted immediately.
type Money int64

// MoneyFromFloat converts a decimal amount (e.g. 42.37 from a JSON payload)
// into cents, rounding half away from zero.
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

// Abs returns the magnitude of the amount.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// Float returns the amount in major units. Display/serialization only.
func (m Money) Float() float64 {
	return float64(m) / 100
}

// Rat returns the amount as a big.Rat for NUMERIC storage columns.
func (m Money) Rat() *big.Rat {
	return big.NewRat(int64(m), 100)
}

func (m Money) String() string {
	sign := ""
	v := m
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
