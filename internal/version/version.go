// Package version encodes automata versions as fixed-width base-62 strings.
//
// The alphabet is 0-9, A-Z, a-z in ASCII order, so comparing two encoded
// versions byte-wise gives the same answer as comparing their numbers. The
// storage layer's sort-key range scans depend on this.
package version

import (
	"errors"
	"fmt"
)

const (
	// Alphabet lists the digits in ascending value. Its order must never
	// change: stored sort keys depend on it.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base is the radix of the encoding.
	Base = uint64(len(Alphabet))

	// Width is the fixed length of every encoded version.
	Width = 6

	// Zero is the version of a freshly created automata.
	Zero = "000000"

	// MaxNumber is the largest representable version number, 62^6 - 1.
	MaxNumber = uint64(56800235583)

	// Max is the encoding of MaxNumber.
	Max = "zzzzzz"
)

var (
	// ErrOverflow is returned when a version would exceed Max.
	ErrOverflow = errors.New("version overflow")

	// ErrUnderflow is returned when decrementing Zero.
	ErrUnderflow = errors.New("version underflow")

	// ErrInvalid is returned for strings of the wrong width or with
	// characters outside the alphabet.
	ErrInvalid = errors.New("invalid version")
)

// digit maps an alphabet byte to its value, -1 for bytes outside it.
var digit = func() [256]int8 {
	var d [256]int8
	for i := range d {
		d[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		d[Alphabet[i]] = int8(i)
	}
	return d
}()

// IsValid reports whether v is a well-formed version.
func IsValid(v string) bool {
	if len(v) != Width {
		return false
	}
	for i := 0; i < len(v); i++ {
		if digit[v[i]] < 0 {
			return false
		}
	}
	return true
}

func validate(v string) error {
	if !IsValid(v) {
		return fmt.Errorf("%w: %q", ErrInvalid, v)
	}
	return nil
}

// ToNumber decodes v.
func ToNumber(v string) (uint64, error) {
	if err := validate(v); err != nil {
		return 0, err
	}
	var n uint64
	for i := 0; i < Width; i++ {
		n = n*Base + uint64(digit[v[i]])
	}
	return n, nil
}

// FromNumber encodes n, left-padded with zeros to Width.
func FromNumber(n uint64) (string, error) {
	if n > MaxNumber {
		return "", fmt.Errorf("%w: %d exceeds %d", ErrOverflow, n, MaxNumber)
	}
	var buf [Width]byte
	for i := Width - 1; i >= 0; i-- {
		buf[i] = Alphabet[n%Base]
		n /= Base
	}
	return string(buf[:]), nil
}

// MustFromNumber is like FromNumber but panics on error.
// Use only in tests or with constants known to be in range.
func MustFromNumber(n uint64) string {
	v, err := FromNumber(n)
	if err != nil {
		panic(err)
	}
	return v
}

// Increment returns the version after v.
func Increment(v string) (string, error) {
	if err := validate(v); err != nil {
		return "", err
	}
	buf := []byte(v)
	for i := Width - 1; i >= 0; i-- {
		d := digit[buf[i]]
		if uint64(d) < Base-1 {
			buf[i] = Alphabet[d+1]
			return string(buf), nil
		}
		buf[i] = Alphabet[0]
	}
	return "", fmt.Errorf("%w: cannot increment %q", ErrOverflow, v)
}

// Decrement returns the version before v.
func Decrement(v string) (string, error) {
	if err := validate(v); err != nil {
		return "", err
	}
	buf := []byte(v)
	for i := Width - 1; i >= 0; i-- {
		d := digit[buf[i]]
		if d > 0 {
			buf[i] = Alphabet[d-1]
			return string(buf), nil
		}
		buf[i] = Alphabet[Base-1]
	}
	return "", fmt.Errorf("%w: cannot decrement %q", ErrUnderflow, v)
}

// Compare returns -1, 0 or 1. Both versions must be valid; byte-wise
// comparison is numeric comparison.
func Compare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
