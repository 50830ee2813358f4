// Package phone normalizes caller numbers to the bare digit form shared by
// the session tracker and the CRM client, so contact lookups always use one
// canonical representation.
package phone

import (
	"errors"
	"strings"
)

// ErrUnparseable is returned when a raw caller id cannot be reduced to a
// plausible phone number.
var ErrUnparseable = errors.New("phone: number unparseable")

// minDigits is the shortest digit sequence accepted as a real subscriber
// number. Shorter strings are internal extensions or junk caller ids.
const minDigits = 10

// Normalize strips all formatting from a raw caller id and returns the bare
// digit sequence. The Russian national trunk prefix 8 is rewritten to the
// country code 7; bare ten-digit national numbers get defaultCC prepended.
func Normalize(raw, defaultCC string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) < minDigits {
		return "", ErrUnparseable
	}

	// 8XXXXXXXXXX is the national dialing form of +7XXXXXXXXXX.
	if len(digits) == 11 && digits[0] == '8' {
		return "7" + digits[1:], nil
	}

	if len(digits) == minDigits && defaultCC != "" {
		return defaultCC + digits, nil
	}

	return digits, nil
}
