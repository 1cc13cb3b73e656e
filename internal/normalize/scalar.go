package normalize

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Scalar holds one loosely typed JSON value in its raw encoding.
// Producers send numbers as strings and identifiers as numbers, so fields stay raw
// until the parser decides how to read them.
type Scalar struct {
	raw []byte
}

var scalarOne = Scalar{raw: []byte("1")}

// UnmarshalJSON keeps a copy of the raw value.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	s.raw = append(s.raw[:0], bytes.TrimSpace(data)...)
	return nil
}

// MarshalJSON writes the raw value back, null when absent.
func (s Scalar) MarshalJSON() ([]byte, error) {
	if len(s.raw) == 0 {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// StringScalar wraps a plain string, e.g. a form value.
func StringScalar(value string) Scalar {
	encoded, err := json.Marshal(value)
	if err != nil {
		return Scalar{}
	}
	return Scalar{raw: encoded}
}

// Present reports whether the value was supplied and is not null.
func (s Scalar) Present() bool {
	return len(s.raw) > 0 && !bytes.Equal(s.raw, []byte("null"))
}

func (s Scalar) isString() bool {
	return len(s.raw) > 0 && s.raw[0] == '"'
}

// Text renders the value as a path segment: strings unquoted, everything else literal.
func (s Scalar) Text() string {
	if !s.Present() {
		return ""
	}
	if s.isString() {
		var out string
		if err := json.Unmarshal(s.raw, &out); err == nil {
			return out
		}
	}
	switch s.raw[0] {
	case '{', '[':
		var compact bytes.Buffer
		if err := json.Compact(&compact, s.raw); err == nil {
			return compact.String()
		}
	}
	return string(s.raw)
}

// Float reads the value as a number; numeric strings are accepted.
func (s Scalar) Float() (float64, error) {
	if !s.Present() {
		return 0, fmt.Errorf("value is absent")
	}

	var text string
	switch s.raw[0] {
	case '"':
		text = strings.TrimSpace(s.Text())
	case '{', '[', 't', 'f':
		return 0, fmt.Errorf("value %s is not a number", s.raw)
	default:
		text = string(s.raw)
	}

	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", text, err)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, fmt.Errorf("value %q is not finite", text)
	}
	return parsed, nil
}
