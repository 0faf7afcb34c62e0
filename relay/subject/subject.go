// Package subject implements validation and pattern matching for the
// dot-separated hierarchical subjects used to address endpoints on the bus.
//
// Patterns may contain two wildcard segments: "*" matches exactly one
// segment, and ">" matches one or more trailing segments and must be the
// final segment. Concrete subjects contain no wildcards.
package subject

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalid is reported for subjects that fail validation.
var ErrInvalid = errors.New("invalid subject")

// MaxLen is the maximum byte length of a subject or pattern.
const MaxLen = 256

// Validate checks that s is a well-formed concrete subject.
// Wildcard segments are rejected; use ValidatePattern for patterns.
func Validate(s string) error {
	if err := validateShape(s); err != nil {
		return err
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "*" || seg == ">" {
			return errors.Wrapf(ErrInvalid, "%q: wildcard segment in concrete subject", s)
		}
	}
	return nil
}

// ValidatePattern checks that p is a well-formed pattern.
// "*" may appear in any segment; ">" only as the last segment.
func ValidatePattern(p string) error {
	if err := validateShape(p); err != nil {
		return err
	}
	segs := strings.Split(p, ".")
	for i, seg := range segs {
		if seg == ">" && i != len(segs)-1 {
			return errors.Wrapf(ErrInvalid, "%q: '>' must be the last segment", p)
		}
	}
	return nil
}

func validateShape(s string) error {
	if s == "" {
		return errors.Wrap(ErrInvalid, "empty subject")
	}
	if len(s) > MaxLen {
		return errors.Wrapf(ErrInvalid, "subject exceeds %d bytes", MaxLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return errors.Wrapf(ErrInvalid, "%q: non-printable character at offset %d", s, i)
		}
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return errors.Wrapf(ErrInvalid, "%q: empty segment", s)
	}
	return nil
}

// Matches reports whether the concrete subject matches the pattern.
// An invalid pattern matches nothing.
func Matches(pattern, concrete string) bool {
	if ValidatePattern(pattern) != nil {
		return false
	}
	if pattern == concrete {
		return true
	}

	pp := strings.Split(pattern, ".")
	cc := strings.Split(concrete, ".")

	pi, ci := 0, 0
	for pi < len(pp) && ci < len(cc) {
		switch pp[pi] {
		case "*":
			pi++
			ci++
		case ">":
			// Consumes one or more trailing segments; we know at least
			// one remains because ci < len(cc).
			return true
		default:
			if pp[pi] != cc[ci] {
				return false
			}
			pi++
			ci++
		}
	}
	return pi == len(pp) && ci == len(cc)
}
