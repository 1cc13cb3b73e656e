package normalize

import (
	"regexp"
	"strings"
)

// Delimiter separates metric path segments.
const Delimiter = "."

// BuildPath joins segments into one dotted metric name.
// Segments are expected to be escaped already; the result is deterministic for equal input.
func BuildPath(segments ...string) string {
	return strings.Join(segments, Delimiter)
}

// Escaper substitutes characters that would otherwise introduce extra path boundaries.
// It is the single escaping routine shared by every producer; only the table differs.
type Escaper struct {
	replacer *strings.Replacer
}

// NewEscaper builds an escaper from old/new pairs, like strings.NewReplacer.
func NewEscaper(pairs ...string) *Escaper {
	return &Escaper{replacer: strings.NewReplacer(pairs...)}
}

// Escape applies the substitution table to one segment value.
func (e *Escaper) Escape(segment string) string {
	return e.replacer.Replace(segment)
}

// Producer tables. Each producer historically picked its own substitute, keep them apart.
var (
	cloudEscaper    = NewEscaper(".", "-")
	refEscaper      = NewEscaper("/", ".")
	authorEscaper   = NewEscaper(".", "-", "@", "-")
	incidentEscaper = NewEscaper(".", "_", "(", "", ")", "")
	nagiosEscaper   = NewEscaper(".", "_")
	druidEscaper    = NewEscaper(".", "_", ":", "_")
)

var parenthetical = regexp.MustCompile(`\([^()]*\)`)

// escapeIncidentKey turns a free-text incident key into path segments:
// parenthesized remarks are dropped, dots become underscores, whitespace runs become boundaries.
func escapeIncidentKey(key string) string {
	stripped := parenthetical.ReplaceAllString(key, " ")
	return strings.Join(strings.Fields(incidentEscaper.Escape(stripped)), Delimiter)
}
