// Package validation checks raw request input before it reaches the coordinator.
package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// MaxCityNameLen bounds city names accepted from request paths, in runes.
const MaxCityNameLen = 100

var (
	ErrCityEmpty        = errors.New("city is required")
	ErrCityTooLong      = errors.New("city name too long")
	ErrCityInvalidChars = errors.New("city name contains invalid characters")
	ErrLimitInvalid     = errors.New("limit must be an integer")
)

// CityName trims the input, enforces MaxCityNameLen, and restricts to letters
// (Unicode), digits, space and the punctuation found in place names: comma,
// hyphen, period, apostrophe. Case is left alone; registry lookup ignores it.
func CityName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if len(r) > MaxCityNameLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// Limit parses a batch limit query value. An empty value yields fallback.
// Range clamping is the coordinator's job; only the integer form is checked here.
func Limit(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrLimitInvalid
	}
	return n, nil
}
