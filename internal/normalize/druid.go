package normalize

import (
	"bytes"
	"fmt"
	"iter"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// DruidParser reads metric batches from the Druid HTTP emitter.
type DruidParser struct{}

type druidItem struct {
	Metric    Scalar `json:"metric"`
	Value     Scalar `json:"value"`
	Feed      Scalar `json:"feed"`
	Service   Scalar `json:"service"`
	Host      Scalar `json:"host"`
	Timestamp Scalar `json:"timestamp"`
	Severity  Scalar `json:"severity"`

	DataSource Scalar `json:"dataSource"`
	Type       Scalar `json:"type"`
	PoolKind   Scalar `json:"poolKind"`
	PoolName   Scalar `json:"poolName"`
	Tier       Scalar `json:"tier"`
	Priority   Scalar `json:"priority"`
}

type druidShape uint8

const (
	druidShapeUnknown druidShape = iota
	druidShapeMetric
	druidShapeAlert
)

func (it druidItem) shape() druidShape {
	switch {
	case it.Metric.Present() && it.Value.Present():
		return druidShapeMetric
	case it.Feed.isString() && it.Feed.Text() == "alerts":
		return druidShapeAlert
	default:
		return druidShapeUnknown
	}
}

// dimensions returns the whitelisted dimensions that are set, keyed by name.
func (it druidItem) dimensions() []namedField {
	all := []namedField{
		{"dataSource", it.DataSource},
		{"type", it.Type},
		{"poolKind", it.PoolKind},
		{"poolName", it.PoolName},
		{"tier", it.Tier},
		{"priority", it.Priority},
	}
	out := all[:0]
	for _, dim := range all {
		if dim.value.Present() {
			out = append(out, dim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// dimensionSuffix renders key=value pairs joined by the delimiter, values escaped.
func (it druidItem) dimensionSuffix() string {
	dims := it.dimensions()
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, dim.name+"="+druidEscaper.Escape(dim.value.Text()))
	}
	return strings.Join(parts, Delimiter)
}

// Source returns the druid source tag.
func (DruidParser) Source() string {
	return SourceDruid
}

// Parse yields metric and alert candidates; an item of any other shape halts the request.
func (DruidParser) Parse(payload []byte) iter.Seq2[Candidate, error] {
	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		return failed(malformed(fmt.Errorf("invalid JSON document")))
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return failed(&Error{Kind: KindUnrecognizedShape, Message: msgNotArray, Payload: string(trimmed)})
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return failed(malformed(err))
	}

	return func(yield func(Candidate, error) bool) {
		for _, raw := range items {
			candidate, err := druidCandidate(raw)
			if !yield(candidate, err) || err != nil {
				return
			}
		}
	}
}

func druidCandidate(raw json.RawMessage) (Candidate, error) {
	unrecognized := &Error{Kind: KindUnrecognizedShape, Message: msgUnrecognized, Payload: string(raw)}

	var item druidItem
	if err := json.Unmarshal(raw, &item); err != nil {
		unrecognized.Err = err
		return Candidate{}, unrecognized
	}

	host := druidEscaper.Escape(item.Host.Text())

	switch item.shape() {
	case druidShapeMetric:
		segments := []string{SourceDruid, item.Feed.Text(), item.Service.Text(), host, item.Metric.Text()}
		if suffix := item.dimensionSuffix(); suffix != "" {
			segments = append(segments, suffix)
		}
		return Candidate{
			Segments: segments,
			Value:    item.Value,
			Time:     item.Timestamp,
			Source:   SourceDruid,
		}, nil
	case druidShapeAlert:
		return Candidate{
			Segments: []string{SourceDruid, item.Feed.Text(), item.Service.Text(), host, item.Severity.Text()},
			Value:    scalarOne,
			Time:     item.Timestamp,
			Source:   SourceDruid,
		}, nil
	case druidShapeUnknown:
		return Candidate{}, unrecognized
	default:
		return Candidate{}, unrecognized
	}
}
