package moltpay

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places of the smallest currency
// unit used for amounts, fees and totals
const CurrencyPlaces = 2

// Amount is an exact stablecoin amount in whole currency units
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps a decimal without rounding
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// ParseAmount parses a decimal string such as "45.00"
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Decimal: d}, nil
}

// MustAmount is ParseAmount that panics, for constants and tests
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromAtomic converts an integer count of atomic token units
// (e.g. "45000000" with 6 decimals) to an Amount
func AmountFromAtomic(units string, decimals int32) (Amount, error) {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid atomic amount %q: %w", units, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return Amount{}, fmt.Errorf("atomic amount %q is not an integer", units)
	}
	return Amount{Decimal: d.Shift(-decimals)}, nil
}

// IsPositive reports whether the amount is strictly greater than zero
func (a Amount) IsPositive() bool {
	return a.Decimal.Sign() > 0
}

// HasSubUnitPrecision reports whether the amount cannot be expressed in
// whole smallest currency units
func (a Amount) HasSubUnitPrecision() bool {
	return !a.Decimal.Equal(a.Decimal.Truncate(CurrencyPlaces))
}

// RoundUnit rounds half-up (away from zero) to the smallest currency unit
func (a Amount) RoundUnit() Amount {
	return Amount{Decimal: a.Decimal.Round(CurrencyPlaces)}
}

// Add returns a + b
func (a Amount) Add(b Amount) Amount {
	return Amount{Decimal: a.Decimal.Add(b.Decimal)}
}

// GreaterThan reports a > b
func (a Amount) GreaterThan(b Amount) bool {
	return a.Decimal.GreaterThan(b.Decimal)
}

// Equal reports whether a and b denote the same value
func (a Amount) Equal(b Amount) bool {
	return a.Decimal.Equal(b.Decimal)
}

// BaseUnits converts the amount to integer token units with the given number
// of decimals. It fails if the amount is finer than one token unit
func (a Amount) BaseUnits(decimals int32) (*big.Int, error) {
	shifted := a.Decimal.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s is finer than %d token decimals", a, decimals)
	}
	return shifted.BigInt(), nil
}

// String formats the amount with exactly two decimals
func (a Amount) String() string {
	return a.Decimal.StringFixed(CurrencyPlaces)
}

// MarshalJSON emits the amount as a fixed two-decimal string
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a string ("45.00") or a bare JSON number (45.00)
// Numbers are parsed from their literal text so no float rounding occurs
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	text := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", string(b), err)
	}
	a.Decimal = d
	return nil
}

// Value stores the amount as a fixed two-decimal string
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan reads an amount written by Value
func (a *Amount) Scan(value interface{}) error {
	return a.Decimal.Scan(value)
}
