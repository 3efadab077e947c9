// Package codes derives participant PINs and draws room codes.
//
// The PIN is a code of convenience, not a secret: anyone who knows a
// participant's name and the session date can recompute it. The proctor's
// in-person check is what actually admits a participant.
package codes

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	pinDigits = 8

	roomCodeMin = 1000
	roomCodeMax = 9999
)

// DateLayout is the ISO date layout fed into DerivePIN.
const DateLayout = "2006-01-02"

// FormatDate renders t as the ISO date string used for PIN derivation.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DerivePIN returns the 8-digit PIN for name on the given ISO date, formatted
// as "XXXX-XXXX". The result only depends on its inputs.
func DerivePIN(name, date string) string {
	input := strings.ToLower(strings.TrimSpace(name)) + date

	var h int32
	for _, unit := range utf16.Encode([]rune(input)) {
		h = h*31 + int32(unit)
	}

	// abs in 64 bits so MinInt32 does not overflow
	v := int64(h)
	if v < 0 {
		v = -v
	}

	digits := strconv.FormatInt(v, 10)
	if len(digits) < pinDigits {
		digits = strings.Repeat("0", pinDigits-len(digits)) + digits
	}
	digits = digits[:pinDigits]
	return digits[:4] + "-" + digits[4:]
}

// GenerateRoomCode draws a uniform 4-digit code in [1000, 9999].
func GenerateRoomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(roomCodeMax-roomCodeMin+1))
	if err != nil {
		return "", fmt.Errorf("room code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+roomCodeMin, 10), nil
}

// NormalizePIN strips spaces and hyphens so "4418 7447" and "4418-7447" compare equal.
func NormalizePIN(pin string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, pin)
}

// Equal compares two codes in constant time after trimming whitespace.
func Equal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// PINEqual compares two PINs ignoring grouping characters.
func PINEqual(a, b string) bool {
	return Equal(NormalizePIN(a), NormalizePIN(b))
}
