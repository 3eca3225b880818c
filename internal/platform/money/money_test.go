package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		currency string
		want     int64
	}{
		{name: "two decimals", raw: "10.00", currency: "NGN", want: 1000},
		{name: "integer", raw: "20", currency: "USD", want: 2000},
		{name: "banker rounds half to even down", raw: "0.125", currency: "USD", want: 12},
		{name: "banker rounds half to even up", raw: "0.135", currency: "USD", want: 14},
		{name: "zero decimal currency", raw: "1500", currency: "JPY", want: 1500},
		{name: "zero decimal currency rounds", raw: "1500.5", currency: "JPY", want: 1500},
		{name: "zero", raw: "0", currency: "NGN", want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToMinor(decimal.RequireFromString(tc.raw), tc.currency)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestToMinor_Errors(t *testing.T) {
	_, err := ToMinor(decimal.NewFromInt(10), "XXXX")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCurrency))

	_, err = ToMinor(decimal.RequireFromString("99999999999999999999"), "USD")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" ngn ")
	require.NoError(t, err)
	assert.Equal(t, "NGN", code)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "20.00", Format(2000, "NGN"))
	assert.Equal(t, "1500", Format(1500, "JPY"))
	assert.Equal(t, "0.05", Format(5, "USD"))
}
