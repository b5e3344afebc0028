package core

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "execution_engine/pkg/errors"
)

var centsFactor = decimal.NewFromInt(100)

// CentsFromDecimal converts a decimal price in major units to integer minor
// units. Values that do not land exactly on a cent are rejected; venue wire
// formats quote decimals, the core only ever sees exact integers.
func CentsFromDecimal(d decimal.Decimal) (Cents, error) {
	scaled := d.Mul(centsFactor)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s is not an exact minor-unit value", apperrors.ErrValidation, d.String())
	}
	return Cents(scaled.IntPart()), nil
}

// DecimalFromCents converts integer minor units back to a decimal in major
// units for venue wire formats.
func DecimalFromCents(c Cents) decimal.Decimal {
	return decimal.NewFromInt(int64(c)).Div(centsFactor)
}
