// Package ilpaddr implements the dot-separated hierarchical address type
// used to route Interledger packets.
package ilpaddr

import (
	"fmt"
	"strings"
)

// MaxLength is the maximum encoded length of an Address, in bytes.
const MaxLength = 1023

// Address is a validated ILP address, e.g. "g.alice.node1".
type Address string

// Parse validates s as an ILP address. The empty string is accepted only
// as the special "no address assigned yet" value used before a node joins
// its parent.
func Parse(s string) (Address, error) {
	if s == "" {
		return "", nil
	}
	if len(s) > MaxLength {
		return "", fmt.Errorf("ilp address exceeds %d bytes", MaxLength)
	}
	segments := strings.Split(s, ".")
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("ilp address %q has an empty segment", s)
		}
		for _, c := range seg {
			if !validChar(c) {
				return "", fmt.Errorf("ilp address %q contains invalid character %q", s, c)
			}
		}
	}
	return Address(s), nil
}

func validChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == '~':
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// Empty reports whether a is the unassigned address.
func (a Address) Empty() bool { return a == "" }

// HasPrefix reports whether a is addressed under the given routing prefix,
// splitting on segment boundaries rather than doing a raw string prefix
// match (so "g.alice2" does not match prefix "g.alice").
func (a Address) HasPrefix(prefix string) bool {
	s := string(a)
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	return s[len(prefix)] == '.'
}
