// Package codes formats, parses and allocates the hierarchical CAP
// (activity) and CP (product) codes of the process architecture.
package codes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field widths.
const (
	SegmentWidth  = 2
	SequenceWidth = 3
	MaxSegment    = 99
	MaxSequence   = 999
)

var (
	// ErrInvalidKey is returned when a key segment is outside 1..99.
	ErrInvalidKey = errors.New("invalid code key")
	// ErrInvalidCode is returned when a code string has the wrong shape.
	ErrInvalidCode = errors.New("invalid code")
	// ErrSequenceExhausted is returned when a prefix ran past 999.
	ErrSequenceExhausted = errors.New("code sequence exhausted")
)

// Product type segments used in CP codes.
const (
	ProductPOP           = 1
	ProductSteps         = 2
	ProductRiskAnalysis  = 3
	ProductStrategicPlan = 4
)

// ActivityKey identifies the organizational prefix of a CAP code.
type ActivityKey struct {
	Area       int `json:"area"`
	Macro      int `json:"macro"`
	Process    int `json:"process"`
	Subprocess int `json:"subprocess"`
}

// Validate checks that every segment fits in two digits.
func (k ActivityKey) Validate() error {
	for _, seg := range []struct {
		name string
		v    int
	}{{"area", k.Area}, {"macro", k.Macro}, {"process", k.Process}, {"subprocess", k.Subprocess}} {
		if seg.v < 1 || seg.v > MaxSegment {
			return fmt.Errorf("%w: %s=%d", ErrInvalidKey, seg.name, seg.v)
		}
	}
	return nil
}

// Prefix renders the key as "AA.MM.PP.SS".
func (k ActivityKey) Prefix() string {
	return fmt.Sprintf("%02d.%02d.%02d.%02d", k.Area, k.Macro, k.Process, k.Subprocess)
}

// CounterKey is the sequence counter key for the prefix.
func (k ActivityKey) CounterKey() string {
	return "cap:" + k.Prefix()
}

// ProductKey identifies the organizational prefix of a CP code. SubArea is
// zero when the product belongs directly to the area.
type ProductKey struct {
	Area    int `json:"area"`
	SubArea int `json:"sub_area,omitempty"`
	Product int `json:"product"`
}

// Validate checks the segment ranges. SubArea may be zero.
func (k ProductKey) Validate() error {
	if k.Area < 1 || k.Area > MaxSegment {
		return fmt.Errorf("%w: area=%d", ErrInvalidKey, k.Area)
	}
	if k.SubArea < 0 || k.SubArea > MaxSegment {
		return fmt.Errorf("%w: sub_area=%d", ErrInvalidKey, k.SubArea)
	}
	if k.Product < 1 || k.Product > MaxSegment {
		return fmt.Errorf("%w: product=%d", ErrInvalidKey, k.Product)
	}
	return nil
}

// Prefix renders the key as "AA.PP" or "AA.BB.PP".
func (k ProductKey) Prefix() string {
	if k.SubArea > 0 {
		return fmt.Sprintf("%02d.%02d.%02d", k.Area, k.SubArea, k.Product)
	}
	return fmt.Sprintf("%02d.%02d", k.Area, k.Product)
}

// CounterKey is the sequence counter key for the prefix.
func (k ProductKey) CounterKey() string {
	return "cp:" + k.Prefix()
}

// FormatCAP renders an activity code "AA.MM.PP.SS.III".
func FormatCAP(k ActivityKey, seq int) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	if err := validateSequence(seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%03d", k.Prefix(), seq), nil
}

// FormatCP renders a product code "AA.PP.III" or "AA.BB.PP.III".
func FormatCP(k ProductKey, seq int) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	if err := validateSequence(seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%03d", k.Prefix(), seq), nil
}

func validateSequence(seq int) error {
	if seq < 1 {
		return fmt.Errorf("%w: sequence %d", ErrInvalidCode, seq)
	}
	if seq > MaxSequence {
		return fmt.Errorf("%w: sequence %d", ErrSequenceExhausted, seq)
	}
	return nil
}

// ParseCAP splits an activity code into its key and sequence.
func ParseCAP(code string) (ActivityKey, int, error) {
	segs, err := splitCode(code, 5)
	if err != nil {
		return ActivityKey{}, 0, err
	}
	k := ActivityKey{Area: segs[0], Macro: segs[1], Process: segs[2], Subprocess: segs[3]}
	if err := k.Validate(); err != nil {
		return ActivityKey{}, 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return k, segs[4], nil
}

// ParseCP splits a product code with or without sub-area.
func ParseCP(code string) (ProductKey, int, error) {
	n := strings.Count(code, ".") + 1
	if n != 3 && n != 4 {
		return ProductKey{}, 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	segs, err := splitCode(code, n)
	if err != nil {
		return ProductKey{}, 0, err
	}
	var k ProductKey
	if n == 3 {
		k = ProductKey{Area: segs[0], Product: segs[1]}
	} else {
		k = ProductKey{Area: segs[0], SubArea: segs[1], Product: segs[2]}
		if k.SubArea == 0 {
			return ProductKey{}, 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	if err := k.Validate(); err != nil {
		return ProductKey{}, 0, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return k, segs[n-1], nil
}

// splitCode checks segment count and widths: two digits for every segment
// but the last, which has three.
func splitCode(code string, want int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) != want {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		width := SegmentWidth
		if i == len(parts)-1 {
			width = SequenceWidth
		}
		if len(p) != width || strings.Trim(p, "0123456789") != "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
		out[i] = v
	}
	if out[len(out)-1] < 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return out, nil
}
