package enums

import "fmt"

// OutboxAggregateType names the entity an outbox event is about.
type OutboxAggregateType string

const (
	AggregateClaim   OutboxAggregateType = "claim"
	AggregateCredit  OutboxAggregateType = "credit"
	AggregateListing OutboxAggregateType = "listing"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateClaim,
	AggregateCredit,
	AggregateListing,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the domain event carried by an outbox row.
type OutboxEventType string

const (
	EventClaimSubmitted      OutboxEventType = "claim_submitted"
	EventClaimVerified       OutboxEventType = "claim_verified"
	EventClaimRejected       OutboxEventType = "claim_rejected"
	EventCreditIssued        OutboxEventType = "credit_issued"
	EventCreditMintRequested OutboxEventType = "credit_mint_requested"
	EventListingCreated      OutboxEventType = "listing_created"
	EventListingCancelled    OutboxEventType = "listing_cancelled"
	EventCreditTradeSettled  OutboxEventType = "credit_trade_settled"
)

var validOutboxEventTypes = []OutboxEventType{
	EventClaimSubmitted,
	EventClaimVerified,
	EventClaimRejected,
	EventCreditIssued,
	EventCreditMintRequested,
	EventListingCreated,
	EventListingCancelled,
	EventCreditTradeSettled,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OutboxDLQErrorReason records why the publisher gave up on an event.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts means retryable publish failures exhausted the budget.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable covers undecodable payloads, unknown event
	// types and permanent broker rejections.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
