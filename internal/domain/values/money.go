package values

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a fixed-point monetary value in a single currency.
// Amounts never pass through binary floating point.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// Supported currency codes (ISO 4217)
const (
	KWD = "KWD"
	USD = "USD"
)

// minorUnits is the number of decimal places per currency.
var minorUnits = map[string]int32{
	KWD: 3,
	USD: 2,
}

// NewMoney creates a new Money value object. The amount may not carry more
// precision than the currency allows.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(currency)
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}

	places := minorUnits[currency]
	if !amount.Equal(amount.Truncate(places)) {
		return Money{}, fmt.Errorf("amount %s exceeds %d decimal places for %s", amount, places, currency)
	}

	return Money{
		amount:   amount,
		currency: currency,
	}, nil
}

// NewMoneyFromString creates Money from string amount and currency
func NewMoneyFromString(amount, currency string) (Money, error) {
	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}

	return NewMoney(dec, currency)
}

// NewMoneyFromMinorUnits creates Money from an integer count of the
// currency's smallest unit (fils for KWD, cents for USD).
func NewMoneyFromMinorUnits(units int64, currency string) (Money, error) {
	currency = strings.ToUpper(currency)
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}

	return Money{
		amount:   decimal.New(units, -minorUnits[currency]),
		currency: currency,
	}, nil
}

// MustNewMoney creates Money and panics on error (for constants/tests)
func MustNewMoney(amount decimal.Decimal, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// MustParse creates Money from a decimal string and panics on error (for tests)
func MustParse(amount, currency string) Money {
	m, err := NewMoneyFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero Money value in the given currency
func Zero(currency string) Money {
	return MustNewMoney(decimal.Zero, currency)
}

// Amount returns the decimal amount
func (m Money) Amount() decimal.Decimal {
	return m.amount
}

// Currency returns the currency code
func (m Money) Currency() string {
	return m.currency
}

// Places returns the number of decimal places of the currency
func (m Money) Places() int32 {
	return minorUnits[m.currency]
}

// String returns the amount with the currency's precision and code (e.g. "12.500 KWD")
func (m Money) String() string {
	return m.amount.StringFixed(m.Places()) + " " + m.currency
}

// Decimal returns the amount formatted with the currency's precision, without code
func (m Money) Decimal() string {
	return m.amount.StringFixed(m.Places())
}

// IsZero checks if the amount is zero
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// IsPositive checks if the amount is positive
func (m Money) IsPositive() bool {
	return m.amount.IsPositive()
}

// IsNegative checks if the amount is negative
func (m Money) IsNegative() bool {
	return m.amount.IsNegative()
}

// SameCurrency reports whether both values use the same currency
func (m Money) SameCurrency(other Money) bool {
	return m.currency == other.currency
}

// Equal checks if two Money values are equal (same amount and currency)
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount) && m.currency == other.currency
}

// Compare returns -1, 0, or 1 based on comparison with other Money
// Panics if currencies don't match
func (m Money) Compare(other Money) int {
	if m.currency != other.currency {
		panic(fmt.Sprintf("cannot compare different currencies: %s vs %s", m.currency, other.currency))
	}
	return m.amount.Cmp(other.amount)
}

// LessThan reports m < other
func (m Money) LessThan(other Money) bool {
	return m.Compare(other) < 0
}

// GreaterThan reports m > other
func (m Money) GreaterThan(other Money) bool {
	return m.Compare(other) > 0
}

// GreaterThanOrEqual reports m >= other
func (m Money) GreaterThanOrEqual(other Money) bool {
	return m.Compare(other) >= 0
}

// Add adds two Money values (must have same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot add different currencies: %s and %s", m.currency, other.currency)
	}

	return Money{
		amount:   m.amount.Add(other.amount),
		currency: m.currency,
	}, nil
}

// Plus adds other and panics on a currency mismatch. Callers must have
// validated currencies beforehand.
func (m Money) Plus(other Money) Money {
	sum, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return sum
}

// Min returns the smaller of two Money values
func Min(a, b Money) Money {
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}

// MinorUnits converts to an integer count of the smallest currency unit
func (m Money) MinorUnits() int64 {
	return m.amount.Shift(m.Places()).IntPart()
}

// ToFloat64 converts to float64. Only for metrics export, never arithmetic.
func (m Money) ToFloat64() float64 {
	f, _ := m.amount.Float64()
	return f
}

// JSON marshaling
func (m Money) MarshalJSON() ([]byte, error) {
	data := struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Decimal(),
		Currency: m.currency,
	}
	return json.Marshal(data)
}

// JSON unmarshaling
func (m *Money) UnmarshalJSON(data []byte) error {
	var temp struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	money, err := NewMoneyFromString(temp.Amount, temp.Currency)
	if err != nil {
		return err
	}

	*m = money
	return nil
}

func validateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("currency cannot be empty")
	}

	if len(currency) != 3 {
		return fmt.Errorf("currency code must be 3 characters")
	}

	if _, ok := minorUnits[currency]; !ok {
		return fmt.Errorf("unsupported currency: %s", currency)
	}

	return nil
}
