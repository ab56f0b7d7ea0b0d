package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
)

// EventDescriptor links an event type to its aggregate/topic/payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// NewEventRegistry builds the registry with the configured topic names.
// Mint requests go to their own topic so the mint worker only sees them.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.DomainTopic == "" {
		return nil, fmt.Errorf("domain topic is required")
	}
	if cfg.MintTopic == "" {
		return nil, fmt.Errorf("mint topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventClaimSubmitted,
			AggregateType:  enums.AggregateClaim,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.ClaimSubmittedEvent{} },
		},
		{
			EventType:      enums.EventClaimVerified,
			AggregateType:  enums.AggregateClaim,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.ClaimReviewedEvent{} },
		},
		{
			EventType:      enums.EventClaimRejected,
			AggregateType:  enums.AggregateClaim,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.ClaimReviewedEvent{} },
		},
		{
			EventType:      enums.EventCreditIssued,
			AggregateType:  enums.AggregateCredit,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.CreditIssuedEvent{} },
		},
		{
			EventType:      enums.EventCreditMintRequested,
			AggregateType:  enums.AggregateCredit,
			Topic:          cfg.MintTopic,
			PayloadFactory: func() interface{} { return &payloads.CreditMintRequestedEvent{} },
		},
		{
			EventType:      enums.EventListingCreated,
			AggregateType:  enums.AggregateListing,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.ListingCreatedEvent{} },
		},
		{
			EventType:      enums.EventListingCancelled,
			AggregateType:  enums.AggregateListing,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.ListingCancelledEvent{} },
		},
		{
			EventType:      enums.EventCreditTradeSettled,
			AggregateType:  enums.AggregateListing,
			Topic:          cfg.DomainTopic,
			PayloadFactory: func() interface{} { return &payloads.CreditTradeSettledEvent{} },
		},
	} {
		reg.register(desc)
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Topics lists every distinct topic the registry publishes to.
func (r *EventRegistry) Topics() []string {
	seen := map[string]struct{}{}
	topics := []string{}
	for _, desc := range r.entries {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		topics = append(topics, desc.Topic)
	}
	return topics
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	envelope, err := outbox.ParseEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	if envelope.EventID != event.ID.String() {
		return nil, NewNonRetryableError(fmt.Errorf("envelope event id %s does not match row %s", envelope.EventID, event.ID))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   *envelope,
		Payload:    payload,
	}, nil
}
