// Package vin validates and canonicalizes vehicle identifiers. Normalize is
// pure and total: every input maps to either a normalized value or a typed
// rejection reason. Rejection never fails ingestion; callers store the lot
// without a vehicle linkage and log the reason for audit.
package vin

import (
	"fmt"
	"strings"
)

// Reason classifies why an identifier was rejected.
type Reason string

const (
	ReasonEmpty         Reason = "empty"
	ReasonTooShort      Reason = "too_short"
	ReasonTooLong       Reason = "too_long"
	ReasonBadChar       Reason = "bad_char"
	ReasonAmbiguousChar Reason = "ambiguous_char"
	ReasonCheckDigit    Reason = "check_digit"
)

// InvalidError is the typed rejection returned by Normalize.
type InvalidError struct {
	Reason Reason
	Raw    string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("vin: invalid identifier %q: %s", e.Raw, e.Reason)
}

// Accepted length conventions. The strict 17-character scheme is the modern
// ISO 3779 format; 11-16 covers pre-1981 legacy serials; 5-10 covers
// equipment and trailer serials that carry no structure beyond a charset.
const (
	minLen       = 5
	legacyMinLen = 11
	strictLen    = 17
)

// transliteration values for the ISO 3779 check digit. I, O, and Q are
// absent: the strict scheme defines them as ambiguous.
var translit = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
}

var weights = [strictLen]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// Normalize folds raw to upper case, strips spaces and hyphens, and validates
// it against the accepted schemes. On success it returns the canonical form.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")

	if s == "" {
		return "", &InvalidError{Reason: ReasonEmpty, Raw: raw}
	}
	if len(s) < minLen {
		return "", &InvalidError{Reason: ReasonTooShort, Raw: raw}
	}
	if len(s) > strictLen {
		return "", &InvalidError{Reason: ReasonTooLong, Raw: raw}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", &InvalidError{Reason: ReasonBadChar, Raw: raw}
		}
		// I/O/Q are excluded by the strict scheme only. Shorter legacy and
		// equipment serials predate the exclusion and may carry them.
		if len(s) == strictLen && (c == 'I' || c == 'O' || c == 'Q') {
			return "", &InvalidError{Reason: ReasonAmbiguousChar, Raw: raw}
		}
	}

	if len(s) == strictLen && checkDigitApplies(s) {
		if computeCheckDigit(s) != s[8] {
			return "", &InvalidError{Reason: ReasonCheckDigit, Raw: raw}
		}
	}

	return s, nil
}

// checkDigitApplies reports whether the check digit rule binds. Only North
// American WMIs (first character 1-5) compute position 9 as a check digit;
// other regions use it as a plain serial character.
func checkDigitApplies(s string) bool {
	return s[0] >= '1' && s[0] <= '5'
}

// computeCheckDigit returns the expected character at position 9.
func computeCheckDigit(s string) byte {
	sum := 0
	for i := 0; i < strictLen; i++ {
		sum += translit[s[i]] * weights[i]
	}
	r := sum % 11
	if r == 10 {
		return 'X'
	}
	return byte('0' + r)
}

// IsInvalid reports whether err is a vin rejection and returns its reason.
func IsInvalid(err error) (Reason, bool) {
	if e, ok := err.(*InvalidError); ok {
		return e.Reason, true
	}
	return "", false
}
