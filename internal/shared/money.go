package shared

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places carried by every amount.
const MoneyScale = 2

// AmountLimit is the smallest magnitude a NUMERIC(14,2) column cannot store.
var AmountLimit = decimal.New(1, 14-MoneyScale)

// ParseAmount parses a decimal string amount into a field level
// ValidationError on failure. Amounts with more than two decimal places are
// rejected rather than rounded.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, NewValidationError("amount", fmt.Sprintf("%q is not a decimal amount", raw))
	}
	if !HasMoneyScale(d) {
		return decimal.Zero, NewValidationError("amount", fmt.Sprintf("%q has more than %d decimal places", raw, MoneyScale))
	}
	if d.Abs().GreaterThanOrEqual(AmountLimit) {
		return decimal.Zero, NewValidationError("amount", "must be less than "+AmountLimit.String())
	}
	return d, nil
}

// HasMoneyScale reports whether d fits in MoneyScale decimal places.
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// RoundMoney rounds half away from zero to MoneyScale places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// FormatAmount renders d with exactly MoneyScale places.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// SumAmounts adds all values.
func SumAmounts(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
