package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Resolver turns producer timestamp representations into epoch seconds.
// Now is the clock used for absent timestamps; nil means time.Now.
type Resolver struct {
	Now func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Resolve accepts epoch numbers, numeric strings, ISO-8601 and free-form date strings.
// Absent input resolves to the current time; sub-second precision is discarded.
func (r Resolver) Resolve(raw Scalar) (int64, error) {
	if !raw.Present() {
		return r.now().Unix(), nil
	}

	if !raw.isString() {
		seconds, err := raw.Float()
		if err != nil {
			return 0, invalidTimestamp(string(raw.raw), err)
		}
		return epochSeconds(string(raw.raw), seconds)
	}

	text := strings.TrimSpace(raw.Text())
	if text == "" {
		return 0, invalidTimestamp(text, fmt.Errorf("empty date string"))
	}

	if seconds, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(seconds) && !math.IsInf(seconds, 0) {
		return epochSeconds(text, seconds)
	}
	if parsed, err := time.Parse(time.RFC3339, text); err == nil {
		return parsed.Unix(), nil
	}

	parsed, err := dateparse.ParseIn(text, time.UTC)
	if err != nil {
		return 0, invalidTimestamp(text, err)
	}
	return parsed.Unix(), nil
}

// epochSeconds truncates to whole seconds; values outside int64 are rejected.
func epochSeconds(raw string, value float64) (int64, error) {
	if math.IsNaN(value) || value >= math.MaxInt64 || value < math.MinInt64 {
		return 0, invalidTimestamp(raw, fmt.Errorf("epoch %g out of range", value))
	}
	return int64(math.Trunc(value)), nil
}

func invalidTimestamp(raw string, err error) *Error {
	return &Error{
		Kind:    KindInvalidTimestamp,
		Message: msgInvalidTimestamp,
		Payload: raw,
		Err:     err,
	}
}
