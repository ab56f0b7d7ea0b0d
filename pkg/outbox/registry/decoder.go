package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
)

// Decoder turns the data of one event type at one schema version into a
// typed payload.
type Decoder struct {
	EventType enums.OutboxEventType
	Version   int
	decode    func(json.RawMessage) (any, error)
}

func (d Decoder) key() string {
	return fmt.Sprintf("%s@v%d", d.EventType, d.Version)
}

// JSONDecoder decodes into a new *T.
func JSONDecoder[T any](eventType enums.OutboxEventType, version int) Decoder {
	return Decoder{
		EventType: eventType,
		Version:   version,
		decode: func(data json.RawMessage) (any, error) {
			out := new(T)
			if err := json.Unmarshal(data, out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// DecoderRegistry is the consumer-side view of the event catalogue. It is
// fixed at construction and safe for concurrent use.
type DecoderRegistry struct {
	decoders map[string]Decoder
}

func NewDecoderRegistry(decoders ...Decoder) *DecoderRegistry {
	r := &DecoderRegistry{decoders: make(map[string]Decoder, len(decoders))}
	for _, d := range decoders {
		r.decoders[d.key()] = d
	}
	return r
}

func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, data json.RawMessage) (any, error) {
	d, ok := r.decoders[Decoder{EventType: eventType, Version: version}.key()]
	if !ok {
		return nil, fmt.Errorf("no decoder for %s@v%d", eventType, version)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%s@v%d has no data", eventType, version)
	}
	payload, err := d.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s@v%d: %w", eventType, version, err)
	}
	return payload, nil
}

// DecodeEnvelope parses a message body and its data. Every failure is
// non-retryable: redelivering the same bytes cannot succeed.
func (r *DecoderRegistry) DecodeEnvelope(eventType enums.OutboxEventType, body []byte) (*outbox.PayloadEnvelope, any, error) {
	envelope, err := outbox.ParseEnvelope(body)
	if err != nil {
		return nil, nil, NewNonRetryableError(err)
	}
	payload, err := r.Decode(eventType, envelope.Version, envelope.Data)
	if err != nil {
		return envelope, nil, NewNonRetryableError(err)
	}
	return envelope, payload, nil
}
