// Package normalize converts producer webhook payloads into canonical metric events.
//
// Each producer has its own parser yielding candidates: raw path segments, a raw value and
// a raw timestamp. Candidates are validated and resolved into MetricEvent values, which is
// the only shape handed to sinks.
package normalize

import (
	"iter"
)

// Source tags carried on events for traceability.
const (
	SourceCollectd = "collectd"
	SourceGitHub   = "github"
	SourceAlerts   = "alerts"
	SourceDruid    = "druid"
)

// MetricEvent is one normalized time-series sample.
// Timestamp is epoch seconds, zero included. SinkTime marks events the producer sent
// without a timestamp; the sink stamps those at send time and ignores Timestamp.
type MetricEvent struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	SinkTime  bool    `json:"sink_time,omitempty"`
	Source    string  `json:"source"`
}

// HasTimestamp reports whether the event carries an explicit timestamp.
func (e MetricEvent) HasTimestamp() bool {
	return !e.SinkTime
}

// Candidate is the raw field-set a parser produces for one item.
type Candidate struct {
	Segments []string
	Value    Scalar
	Time     Scalar
	// SinkTime leaves an absent Time to the sink instead of resolving it to now.
	SinkTime bool
	Source   string
	// Missing lists required companion fields absent before path construction.
	Missing []string
}

// Parser reads one producer payload and yields candidates in payload order.
// A yielded error halts the request: items before it were already yielded.
type Parser interface {
	Source() string
	Parse(payload []byte) iter.Seq2[Candidate, error]
}

// Normalize validates a candidate and resolves it into an event.
func (r Resolver) Normalize(candidate Candidate) (MetricEvent, error) {
	if err := Validate(candidate); err != nil {
		return MetricEvent{}, err
	}

	value, err := candidate.Value.Float()
	if err != nil {
		return MetricEvent{}, &Error{Kind: KindMalformedPayload, Message: msgValueNotNumeric, Err: err}
	}

	event := MetricEvent{
		Name:   BuildPath(candidate.Segments...),
		Value:  value,
		Source: candidate.Source,
	}
	if candidate.SinkTime && !candidate.Time.Present() {
		event.SinkTime = true
		return event, nil
	}

	event.Timestamp, err = r.Resolve(candidate.Time)
	if err != nil {
		return MetricEvent{}, err
	}
	return event, nil
}

// failed yields a single error.
func failed(err error) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		yield(Candidate{}, err)
	}
}

type namedField struct {
	name  string
	value Scalar
}

func absentFields(fields ...namedField) []string {
	var missing []string
	for _, field := range fields {
		if !field.value.Present() {
			missing = append(missing, field.name)
		}
	}
	return missing
}
