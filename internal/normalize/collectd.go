package normalize

import (
	"iter"

	json "github.com/goccy/go-json"
)

// CollectdParser reads batches posted by the collectd write_http bridge.
type CollectdParser struct{}

type collectdItem struct {
	Cloud       Scalar `json:"cloud"`
	Slot        Scalar `json:"slot"`
	ID          Scalar `json:"id"`
	Metric      Scalar `json:"metric"`
	Value       Scalar `json:"value"`
	MeasureTime Scalar `json:"measure_time"`
}

// Source returns the collectd source tag.
func (CollectdParser) Source() string {
	return SourceCollectd
}

// Parse yields one candidate per measurement item, named mitt.<cloud>.<slot>.<id>.<metric>.
func (CollectdParser) Parse(payload []byte) iter.Seq2[Candidate, error] {
	var items []collectdItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return failed(malformed(err))
	}

	return func(yield func(Candidate, error) bool) {
		for _, item := range items {
			if !yield(item.candidate(), nil) {
				return
			}
		}
	}
}

func (it collectdItem) candidate() Candidate {
	return Candidate{
		Segments: []string{
			"mitt",
			cloudEscaper.Escape(it.Cloud.Text()),
			it.Slot.Text(),
			it.ID.Text(),
			it.Metric.Text(),
		},
		Value:  it.Value,
		Time:   it.MeasureTime,
		Source: SourceCollectd,
		Missing: absentFields(
			namedField{"cloud", it.Cloud},
			namedField{"slot", it.Slot},
			namedField{"id", it.ID},
			namedField{"metric", it.Metric},
			namedField{"value", it.Value},
			namedField{"measure_time", it.MeasureTime},
		),
	}
}
