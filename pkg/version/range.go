package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// Range is a union of version intervals. The zero value matches every version.
type Range struct {
	raw       string
	intervals []interval
}

type interval struct {
	min, max                   *semver.Version
	minInclusive, maxInclusive bool
}

// Any is the range matching every version
var Any = Range{raw: "*"}

// ParseRange parses a compatibility range.
//
//	""  or "*"       any version
//	1.2.0            1.2.0 or later
//	[1.2.0]          exactly 1.2.0
//	[1.0.0,2.0.0)    1.0.0 <= v < 2.0.0
//	(,2.0.0]         v <= 2.0.0
//	[1.0,2.0),[3.0,) alternatives
func ParseRange(expr string) (Range, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return Range{raw: expr}, nil
	}

	parts, err := splitAlternatives(expr)
	if err != nil {
		return Range{}, rangeError(expr, err)
	}

	r := Range{raw: expr}
	for _, part := range parts {
		iv, err := parseInterval(part)
		if err != nil {
			return Range{}, rangeError(expr, err)
		}
		r.intervals = append(r.intervals, iv)
	}
	return r, nil
}

// MustParseRange is like ParseRange but panics on error
func MustParseRange(expr string) Range {
	r, err := ParseRange(expr)
	if err != nil {
		panic(err)
	}
	return r
}

func rangeError(expr string, err error) error {
	return plugins.Wrap(plugins.ValidationFailure, "parse range", err, "invalid range %q", expr)
}

// splitAlternatives splits on commas that sit outside brackets
func splitAlternatives(expr string) ([]string, error) {
	var (
		parts []string
		depth int
		start int
	)
	for i, c := range expr {
		switch c {
		case '[', '(':
			if depth > 0 {
				return nil, fmt.Errorf("nested bracket at offset %d", i)
			}
			depth++
		case ']', ')':
			if depth == 0 {
				return nil, fmt.Errorf("unbalanced bracket at offset %d", i)
			}
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unterminated interval")
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))

	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty alternative")
		}
	}
	return parts, nil
}

func parseInterval(s string) (interval, error) {
	lb, rb := s[0], s[len(s)-1]
	if lb != '[' && lb != '(' {
		v, err := semver.NewVersion(s)
		if err != nil {
			return interval{}, err
		}
		return interval{min: v, minInclusive: true}, nil
	}
	if rb != ']' && rb != ')' {
		return interval{}, fmt.Errorf("interval %q is not closed", s)
	}

	body := strings.TrimSpace(s[1 : len(s)-1])
	bounds := strings.Split(body, ",")
	iv := interval{minInclusive: lb == '[', maxInclusive: rb == ']'}

	switch len(bounds) {
	case 1:
		if lb != '[' || rb != ']' {
			return interval{}, fmt.Errorf("exact version %q must use inclusive brackets", s)
		}
		v, err := semver.NewVersion(strings.TrimSpace(bounds[0]))
		if err != nil {
			return interval{}, err
		}
		iv.min, iv.max = v, v
	case 2:
		lo, hi := strings.TrimSpace(bounds[0]), strings.TrimSpace(bounds[1])
		if lo == "" && hi == "" {
			return interval{}, fmt.Errorf("interval %q has no bounds", s)
		}
		if lo != "" {
			v, err := semver.NewVersion(lo)
			if err != nil {
				return interval{}, err
			}
			iv.min = v
		}
		if hi != "" {
			v, err := semver.NewVersion(hi)
			if err != nil {
				return interval{}, err
			}
			iv.max = v
		}
		if iv.min != nil && iv.max != nil {
			c := iv.min.Compare(iv.max)
			if c > 0 || (c == 0 && !(iv.minInclusive && iv.maxInclusive)) {
				return interval{}, fmt.Errorf("interval %q is empty", s)
			}
		}
	default:
		return interval{}, fmt.Errorf("interval %q has too many bounds", s)
	}
	return iv, nil
}

func (iv interval) contains(v *semver.Version) bool {
	if iv.min != nil {
		c := v.Compare(iv.min)
		if c < 0 || (c == 0 && !iv.minInclusive) {
			return false
		}
	}
	if iv.max != nil {
		c := v.Compare(iv.max)
		if c > 0 || (c == 0 && !iv.maxInclusive) {
			return false
		}
	}
	return true
}

// IsAny reports whether the range matches every version
func (r Range) IsAny() bool {
	return len(r.intervals) == 0
}

// Contains reports whether v falls inside any alternative of the range
func (r Range) Contains(v *semver.Version) bool {
	if r.IsAny() {
		return true
	}
	for _, iv := range r.intervals {
		if iv.contains(v) {
			return true
		}
	}
	return false
}

// Allows parses s and reports whether it falls inside the range
func (r Range) Allows(s string) (bool, error) {
	v, err := Parse(s)
	if err != nil {
		return false, err
	}
	return r.Contains(v), nil
}

func (r Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// Between builds a range from optional inclusive lower and upper bounds
func Between(lo, hi string) (Range, error) {
	switch {
	case lo == "" && hi == "":
		return Range{}, nil
	case hi == "":
		return ParseRange(lo)
	case lo == "":
		return ParseRange("(," + hi + "]")
	default:
		return ParseRange("[" + lo + "," + hi + "]")
	}
}
