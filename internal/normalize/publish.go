package normalize

import (
	"bytes"
	"fmt"
	"iter"

	json "github.com/goccy/go-json"
)

// PublishParser reads metrics from the generic publisher under an allow-listed tag.
// The tag must be checked against the allow-list before the body is read.
type PublishParser struct {
	Tag string
}

type publishItem struct {
	Metric      Scalar `json:"metric"`
	Value       Scalar `json:"value"`
	MeasureTime Scalar `json:"measure_time"`
}

// Source returns the publish tag.
func (p PublishParser) Source() string {
	return p.Tag
}

// Parse accepts one object or an array of objects and yields <tag>.<metric> candidates.
func (p PublishParser) Parse(payload []byte) iter.Seq2[Candidate, error] {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return failed(malformed(fmt.Errorf("empty body")))
	}

	var items []publishItem
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return failed(malformed(err))
		}
	case '{':
		var item publishItem
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return failed(malformed(err))
		}
		items = []publishItem{item}
	default:
		return failed(malformed(fmt.Errorf("expected JSON object or array")))
	}

	return func(yield func(Candidate, error) bool) {
		for _, item := range items {
			candidate := Candidate{
				Segments: []string{p.Tag, item.Metric.Text()},
				Value:    item.Value,
				Time:     item.MeasureTime,
				SinkTime: true,
				Source:   p.Tag,
				Missing: absentFields(
					namedField{"metric", item.Metric},
					namedField{"value", item.Value},
				),
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}
}
