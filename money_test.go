package moltpay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount(t *testing.T) {
	t.Run("ParsesAndFormatsTwoDecimals", func(t *testing.T) {
		a, err := ParseAmount("45")
		require.NoError(t, err)
		assert.Equal(t, "45.00", a.String())
		assert.True(t, a.IsPositive())
	})

	t.Run("RejectsGarbage", func(t *testing.T) {
		_, err := ParseAmount("forty")
		assert.Error(t, err)
	})

	t.Run("DetectsSubUnitPrecision", func(t *testing.T) {
		assert.False(t, MustAmount("0.01").HasSubUnitPrecision())
		assert.False(t, MustAmount("10.50").HasSubUnitPrecision())
		assert.True(t, MustAmount("0.001").HasSubUnitPrecision())
	})

	t.Run("RoundsHalfUp", func(t *testing.T) {
		assert.Equal(t, "0.01", MustAmount("0.005").RoundUnit().String())
		assert.Equal(t, "0.00", MustAmount("0.0049").RoundUnit().String())
		assert.Equal(t, "0.46", MustAmount("0.455").RoundUnit().String())
	})

	t.Run("ConvertsAtomicUnits", func(t *testing.T) {
		a, err := AmountFromAtomic("45000000", 6)
		require.NoError(t, err)
		assert.True(t, a.Equal(MustAmount("45")))

		_, err = AmountFromAtomic("1.5", 6)
		assert.Error(t, err)
	})

	t.Run("ConvertsToBaseUnits", func(t *testing.T) {
		units, err := MustAmount("45.45").BaseUnits(6)
		require.NoError(t, err)
		assert.Equal(t, "45450000", units.String())

		_, err = MustAmount("0.0000001").BaseUnits(6)
		assert.Error(t, err)
	})

	t.Run("JSONAcceptsStringsAndNumbers", func(t *testing.T) {
		var v struct {
			A Amount `json:"a"`
			B Amount `json:"b"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":"45.00","b":0.1}`), &v))
		assert.True(t, v.A.Equal(MustAmount("45")))
		assert.True(t, v.B.Equal(MustAmount("0.10")))

		out, err := json.Marshal(v)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":"45.00","b":"0.10"}`, string(out))
	})

	t.Run("JSONRejectsInvalidNumbers", func(t *testing.T) {
		var a Amount
		assert.Error(t, json.Unmarshal([]byte(`"abc"`), &a))
	})
}
