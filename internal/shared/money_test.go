package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("999999999999.99")
	require.NoError(t, err)
	require.Equal(t, "999999999999.99", FormatAmount(d))

	d, err = ParseAmount("15000")
	require.NoError(t, err)
	require.Equal(t, "15000.00", FormatAmount(d))

	for _, raw := range []string{"1000000000000", "1000000000000.00", "-1000000000000", "12.345", "abc", ""} {
		_, err := ParseAmount(raw)
		require.ErrorIs(t, err, ErrValidation, raw)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), raw)
		require.Contains(t, verr.Fields, "amount", raw)
	}
}

func TestValidationErrorMerge(t *testing.T) {
	verr := &ValidationError{}
	_, err := ParseAmount("1e13")
	verr.Merge("amount", err)
	verr.Merge("account", errors.New("unknown account"))
	require.Equal(t, "must be less than 1000000000000", verr.Fields["amount"])
	require.Equal(t, "unknown account", verr.Fields["account"])
}
