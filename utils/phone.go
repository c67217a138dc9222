package utils

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number")

	nonDigits = regexp.MustCompile(`\D`)
)

// NormalizePhoneNumber converts a user-entered number into E.164 (+<country><number>).
// Numbers without an international prefix get defaultCountryCode, after
// dropping a national trunk zero.
func NormalizePhoneNumber(phoneNumber, defaultCountryCode string) (string, error) {
	raw := strings.TrimSpace(phoneNumber)
	if raw == "" {
		return "", ErrInvalidPhoneNumber
	}

	international := strings.HasPrefix(raw, "+")
	digits := nonDigits.ReplaceAllString(raw, "")

	if !international && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}

	if !international {
		cc := nonDigits.ReplaceAllString(defaultCountryCode, "")
		if cc == "" {
			return "", ErrInvalidPhoneNumber
		}
		digits = cc + strings.TrimLeft(digits, "0")
	}

	if !ValidatePhoneNumber("+" + digits) {
		return "", ErrInvalidPhoneNumber
	}
	return "+" + digits, nil
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// ValidatePhoneNumber checks the E.164 shape: a plus sign then 8 to 15 digits.
func ValidatePhoneNumber(phoneNumber string) bool {
	return e164.MatchString(phoneNumber)
}
