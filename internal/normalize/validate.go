package normalize

import "strings"

// Validate rejects a candidate missing any attribute required to build an event.
func Validate(candidate Candidate) error {
	if len(candidate.Missing) > 0 {
		return missingFields(candidate.Missing...)
	}
	if strings.Trim(BuildPath(candidate.Segments...), Delimiter) == "" {
		return missingFields("name")
	}
	if !candidate.Value.Present() {
		return missingFields("value")
	}
	return nil
}
