// Package signature locates masked byte patterns in a buffer.
package signature

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every error returned when building a Signature.
var ErrInvalid = errors.New("invalid signature")

// Signature is a byte pattern with a per-byte wildcard mask. The value of a
// wildcard byte is kept so the signature serialises back unchanged, but it is
// never compared.
type Signature struct {
	pattern []byte
	wild    []bool
}

// New builds a Signature from pattern bytes and an equal-length wildcard mask.
func New(pattern []byte, wild []bool) (Signature, error) {
	if len(pattern) == 0 {
		return Signature{}, fmt.Errorf("%w: empty pattern", ErrInvalid)
	}
	if len(pattern) != len(wild) {
		return Signature{}, fmt.Errorf("%w: %d pattern bytes but %d mask bits", ErrInvalid, len(pattern), len(wild))
	}
	s := Signature{
		pattern: make([]byte, len(pattern)),
		wild:    make([]bool, len(wild)),
	}
	copy(s.pattern, pattern)
	copy(s.wild, wild)
	return s, nil
}

// Parse builds a Signature from a hex string ("80020000C701") and a bit
// string of the same byte length where '1' marks a wildcard ("000011").
// A "??" byte in sig is a wildcard stored as 0x00; its mask bit must be '1'.
// An empty mask derives the wildcards from the "??" bytes alone.
func Parse(sig, mask string) (Signature, error) {
	sig = strings.TrimSpace(sig)
	mask = strings.TrimSpace(mask)
	if len(sig)%2 != 0 {
		return Signature{}, fmt.Errorf("%w: odd number of hex digits (%d)", ErrInvalid, len(sig))
	}

	pattern := make([]byte, len(sig)/2)
	placeholder := make([]bool, len(pattern))
	for i := range pattern {
		pair := sig[2*i : 2*i+2]
		if pair == "??" {
			placeholder[i] = true
			continue
		}
		if _, err := hex.Decode(pattern[i:i+1], []byte(pair)); err != nil {
			return Signature{}, fmt.Errorf("%w: bad hex byte %q at %d", ErrInvalid, pair, i)
		}
	}

	if mask == "" {
		return New(pattern, placeholder)
	}
	wild := make([]bool, 0, len(mask))
	for i, c := range mask {
		switch c {
		case '0':
			if i < len(placeholder) && placeholder[i] {
				return Signature{}, fmt.Errorf("%w: byte %d is ?? but not masked", ErrInvalid, i)
			}
			wild = append(wild, false)
		case '1':
			wild = append(wild, true)
		default:
			return Signature{}, fmt.Errorf("%w: mask character %q at %d", ErrInvalid, c, i)
		}
	}
	return New(pattern, wild)
}

// MustParse is like Parse but panics on error. Intended for tests and
// package level tables.
func MustParse(sig, mask string) Signature {
	s, err := Parse(sig, mask)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of bytes the signature spans.
func (s Signature) Len() int {
	return len(s.pattern)
}

// IsZero reports whether s was never built by New or Parse.
func (s Signature) IsZero() bool {
	return len(s.pattern) == 0
}

// Wild reports whether byte i is a wildcard.
func (s Signature) Wild(i int) bool {
	return s.wild[i]
}

// Hex returns the pattern as an upper case hex string, wildcard bytes included.
func (s Signature) Hex() string {
	return strings.ToUpper(hex.EncodeToString(s.pattern))
}

// Mask returns the wildcard mask as a bit string.
func (s Signature) Mask() string {
	var b strings.Builder
	for _, w := range s.wild {
		if w {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// String renders the signature with wildcard bytes shown as "??".
func (s Signature) String() string {
	var b strings.Builder
	for i, v := range s.pattern {
		if i > 0 {
			b.WriteByte(' ')
		}
		if s.wild[i] {
			b.WriteString("??")
		} else {
			fmt.Fprintf(&b, "%02X", v)
		}
	}
	return b.String()
}

// matchAt reports whether the signature matches buf starting at i. The caller
// guarantees i+len(pattern) <= len(buf).
func (s Signature) matchAt(buf []byte, i int) bool {
	for j, v := range s.pattern {
		if !s.wild[j] && buf[i+j] != v {
			return false
		}
	}
	return true
}

// Index returns the position of the nth (1-based) match of s in buf, scanning
// every start position so overlapping matches count. If there are fewer than n
// matches Index returns -1 and the number of matches found.
func (s Signature) Index(buf []byte, n int) (pos int, matches int) {
	if n < 1 || s.IsZero() {
		return -1, 0
	}
	for i := 0; i+len(s.pattern) <= len(buf); i++ {
		if !s.matchAt(buf, i) {
			continue
		}
		matches++
		if matches == n {
			return i, matches
		}
	}
	return -1, matches
}

// Locate returns the position of every match of s in buf, earliest first.
func (s Signature) Locate(buf []byte) []int {
	var positions []int
	if s.IsZero() {
		return positions
	}
	for i := 0; i+len(s.pattern) <= len(buf); i++ {
		if s.matchAt(buf, i) {
			positions = append(positions, i)
		}
	}
	return positions
}

// Locate is a convenience wrapper for s.Locate(buf).
func Locate(buf []byte, s Signature) []int {
	return s.Locate(buf)
}
