package normalize

import (
	"net/http"
	"strings"
)

// Kind classifies why a payload was rejected.
type Kind uint8

const (
	// KindMalformedPayload means the body is not valid JSON or uses an unexpected encoding.
	KindMalformedPayload Kind = iota + 1
	// KindMissingField means one or more required attributes are absent from an item.
	KindMissingField
	// KindUnrecognizedShape means the payload structure matches no known item pattern.
	KindUnrecognizedShape
	// KindUnknownPrefix means the publish tag is not allow-listed.
	KindUnknownPrefix
	// KindUnknownAlert means the incident comes from an unsupported integration.
	KindUnknownAlert
	// KindInvalidTimestamp means a timestamp was present but could not be parsed.
	KindInvalidTimestamp
)

const (
	msgJSONRequired     = "JSON is required"
	msgMissingFields    = "missing fields"
	msgNotArray         = "metrics JSON is not an array. "
	msgUnrecognized     = "unrecognized metric. Please look into backstop logs for details."
	msgUnknownPrefix    = "unknown prefix"
	msgUnknownAlert     = "unknown alert"
	msgInvalidTimestamp = "invalid timestamp"
	msgValueNotNumeric  = "value is not numeric"
)

// String returns a stable label used in logs and telemetry attributes.
func (k Kind) String() string {
	switch k {
	case KindMalformedPayload:
		return "malformed_payload"
	case KindMissingField:
		return "missing_field"
	case KindUnrecognizedShape:
		return "unrecognized_shape"
	case KindUnknownPrefix:
		return "unknown_prefix"
	case KindUnknownAlert:
		return "unknown_alert"
	case KindInvalidTimestamp:
		return "invalid_timestamp"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the kind onto the status returned to the producer.
func (k Kind) HTTPStatus() int {
	if k == KindUnknownPrefix {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Error is a rejection raised while normalizing one request.
// Message is returned verbatim to the producer; Fields, Payload and Err are for operators only.
type Error struct {
	Kind    Kind
	Message string
	Fields  []string
	Payload string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Fields, ","))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func malformed(err error) *Error {
	return &Error{Kind: KindMalformedPayload, Message: msgJSONRequired, Err: err}
}

func missingFields(fields ...string) *Error {
	return &Error{Kind: KindMissingField, Message: msgMissingFields, Fields: fields}
}

func unknownAlert(payload []byte) *Error {
	return &Error{Kind: KindUnknownAlert, Message: msgUnknownAlert, Payload: string(payload)}
}

// UnknownPrefix reports a publish tag outside the configured allow-list.
func UnknownPrefix(tag string) *Error {
	return &Error{Kind: KindUnknownPrefix, Message: msgUnknownPrefix, Payload: tag}
}
