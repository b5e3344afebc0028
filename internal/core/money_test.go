package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "execution_engine/pkg/errors"
)

func TestCentsFromDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
	}{
		{"150.00", 15000},
		{"0.01", 1},
		{"-42.50", -4250},
		{"0", 0},
	}
	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.in)
		require.NoError(t, err)
		got, err := CentsFromDecimal(d)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %s", tt.in)
	}
}

func TestCentsFromDecimalRejectsSubCentValues(t *testing.T) {
	d, err := decimal.NewFromString("100.005")
	require.NoError(t, err)

	_, err = CentsFromDecimal(d)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDecimalFromCentsRoundTrip(t *testing.T) {
	for _, c := range []Cents{0, 1, 15000, -4250, 999999999} {
		got, err := CentsFromDecimal(DecimalFromCents(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}
