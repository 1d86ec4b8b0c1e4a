package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits a credits amount may carry.
const Scale = 2

var (
	ErrEmpty          = errors.New("empty amount")
	ErrInvalidFormat  = errors.New("invalid decimal format")
	ErrTooManyDecimal = errors.New("too many decimal places")
)

// Parse parses a decimal string into an exact credits amount.
// Example: "12.3" => 12.30. Signs are accepted so callers can reject
// non-positive values with their own error.
func Parse(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}

	sign := ""
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = "-"
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return decimal.Zero, ErrInvalidFormat
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
		if fracPart == "" {
			return decimal.Zero, ErrInvalidFormat
		}
	}
	if intPart == "" {
		if fracPart == "" {
			return decimal.Zero, ErrInvalidFormat
		}
		intPart = "0"
	}
	if len(fracPart) > Scale {
		return decimal.Zero, fmt.Errorf("%w: max %d", ErrTooManyDecimal, Scale)
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return decimal.Zero, ErrInvalidFormat
	}

	d, err := decimal.NewFromString(sign + intPart + "." + fracPart + strings.Repeat("0", Scale-len(fracPart)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(value string) decimal.Decimal {
	d, err := Parse(value)
	if err != nil {
		panic(fmt.Sprintf("money: %q: %v", value, err))
	}
	return d
}

// Format renders an amount with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

func digitsOnly(s string) bool {
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
