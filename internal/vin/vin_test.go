package vin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Valid17(t *testing.T) {
	// Known-good North American VIN with correct check digit, in raw variants
	// that must all canonicalize to the same value.
	for _, raw := range []string{
		"1M8GDM9AXKP042788",
		"1m8gdm9axkp042788",  // case folded
		"1M8 GDM9AXKP042788", // embedded space stripped
		"1M8-GDM9AXKP042788", // hyphen stripped
	} {
		got, err := Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, "1M8GDM9AXKP042788", got)
	}

	// Degenerate but check-digit-correct.
	got, err := Normalize("11111111111111111")
	require.NoError(t, err)
	assert.Equal(t, "11111111111111111", got)
}

func TestNormalize_NonNorthAmericanSkipsCheckDigit(t *testing.T) {
	// European WMI (W...): position 9 is a plain serial character.
	got, err := Normalize("WAUZZZ8V5KA123456")
	require.NoError(t, err)
	assert.Equal(t, "WAUZZZ8V5KA123456", got)
}

func TestNormalize_CheckDigitMismatch(t *testing.T) {
	_, err := Normalize("1M8GDM9A1KP042788")
	require.Error(t, err)
	reason, ok := IsInvalid(err)
	require.True(t, ok)
	assert.Equal(t, ReasonCheckDigit, reason)
}

func TestNormalize_AmbiguousCharsOnlyAtStrictLength(t *testing.T) {
	// I/O/Q rejected at 17 characters.
	_, err := Normalize("1M8GDM9AXKP04278O")
	require.Error(t, err)
	reason, _ := IsInvalid(err)
	assert.Equal(t, ReasonAmbiguousChar, reason)

	// Tolerated on shorter legacy serials.
	got, err := Normalize("CE140O123456")
	require.NoError(t, err)
	assert.Equal(t, "CE140O123456", got)
}

func TestNormalize_Lengths(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason Reason
	}{
		{"empty", "", ReasonEmpty},
		{"whitespace only", "   ", ReasonEmpty},
		{"too short", "A1B2", ReasonTooShort},
		{"too long", "1M8GDM9AXKP0427881", ReasonTooLong},
		{"bad char", "1M8GDM9AXKP04278*", ReasonBadChar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			require.Error(t, err)
			reason, ok := IsInvalid(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestNormalize_LegacyAndEquipmentSerials(t *testing.T) {
	// 5-10 characters: equipment scheme, charset only.
	got, err := Normalize("ab123")
	require.NoError(t, err)
	assert.Equal(t, "AB123", got)

	// 11-16 characters: pre-1981 legacy scheme.
	got, err = Normalize("ce140s123456")
	require.NoError(t, err)
	assert.Equal(t, "CE140S123456", got)
}

func TestNormalize_Deterministic(t *testing.T) {
	a, err1 := Normalize(" wauzzz8v5ka123456 ")
	b, err2 := Normalize(" wauzzz8v5ka123456 ")
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, a, b)
}
