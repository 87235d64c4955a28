package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// CanonicalEvent is a validated frame from the event feed.
type CanonicalEvent struct {
	Type string `json:"type"`
	// Timestamp is in seconds since the epoch. Frames without one are stamped
	// with their arrival time.
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	// Raw is the frame as received, for subscribers that need extra fields.
	Raw json.RawMessage `json:"-"`
}

// Time converts Timestamp to a time.Time.
func (e CanonicalEvent) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// DecodePayload unmarshals the payload into v.
func (e CanonicalEvent) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

const canonicalSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number"}
	}
}`

var (
	ErrMalformed = errors.New("malformed frame")
	ErrShape     = errors.New("frame does not match canonical shape")
)

// Validator checks raw frames against the canonical event shape.
type Validator struct {
	schema *gojsonschema.Schema
	now    func() time.Time
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(canonicalSchema))
	if err != nil {
		return nil, errors.Wrap(err, "compile canonical event schema")
	}
	return &Validator{schema: schema, now: time.Now}, nil
}

// MustNewValidator panics if the embedded schema does not compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Parse decodes and validates a raw frame. The returned error wraps
// ErrMalformed or ErrShape.
func (v *Validator) Parse(raw []byte) (CanonicalEvent, error) {
	if !json.Valid(raw) {
		return CanonicalEvent{}, ErrMalformed
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return CanonicalEvent{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return CanonicalEvent{}, errors.Wrap(ErrShape, strings.Join(msgs, "; "))
	}

	var wire struct {
		Type      string          `json:"type"`
		Timestamp *float64        `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return CanonicalEvent{}, errors.Wrap(ErrMalformed, err.Error())
	}

	ev := CanonicalEvent{
		Type:    wire.Type,
		Payload: wire.Payload,
		Raw:     append(json.RawMessage(nil), raw...),
	}
	if wire.Timestamp != nil {
		ev.Timestamp = *wire.Timestamp
	} else {
		ev.Timestamp = float64(v.now().UnixNano()) / float64(time.Second)
	}
	return ev, nil
}
