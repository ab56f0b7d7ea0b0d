package minting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	gateway "github.com/angelmondragon/oxygencredits-backend/pkg/minting"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/registry"
)

const (
	consumerName       = "mint-worker"
	defaultMaxAttempts = 5
)

// Outcomes reported to the metrics counter.
const (
	OutcomeMinted    = "minted"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
)

type creditBook interface {
	GetCredit(ctx context.Context, id uuid.UUID) (*credits.CreditDTO, error)
	MarkMinted(ctx context.Context, creditID uuid.UUID, tokenID string) (bool, error)
	RecordMintFailure(ctx context.Context, creditID uuid.UUID, cause error, terminal bool) (*credits.CreditDTO, error)
}

type eventGuard interface {
	Acquire(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type ConsumerParams struct {
	Credits      creditBook
	Minter       gateway.Minter
	Guard        eventGuard
	Subscription *pubsub.Subscriber
	Metrics      *metrics.DomainMetrics
	Logger       *logger.Logger
	MaxAttempts  int
}

// Consumer turns credit_mint_requested events into gateway mint calls.
// It never touches claim state; a failed mint only changes the credit's
// mint bookkeeping.
type Consumer struct {
	credits      creditBook
	minter       gateway.Minter
	guard        eventGuard
	subscription *pubsub.Subscriber
	decoders     *registry.DecoderRegistry
	metrics      *metrics.DomainMetrics
	logg         *logger.Logger
	maxAttempts  int
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Credits == nil {
		return nil, errors.New("credit service is required")
	}
	if params.Minter == nil {
		return nil, errors.New("minter is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	decoders := registry.NewDecoderRegistry(
		registry.JSONDecoder[payloads.CreditMintRequestedEvent](enums.EventCreditMintRequested, 1),
	)

	return &Consumer{
		credits:      params.Credits,
		minter:       params.Minter,
		guard:        params.Guard,
		subscription: params.Subscription,
		decoders:     decoders,
		metrics:      params.Metrics,
		logg:         logg,
		maxAttempts:  maxAttempts,
	}, nil
}

// Run receives until ctx is cancelled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return errors.New("mint subscription is required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		eventType := enums.OutboxEventType(msg.Attributes["event_type"])
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"message_id": msg.ID,
			"event_type": eventType,
		})
		if c.Handle(logCtx, eventType, msg.Data) == Nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Result tells the receiver whether to acknowledge the message.
type Result int

const (
	Ack Result = iota
	Nack
)

// Handle processes one message body.
func (c *Consumer) Handle(ctx context.Context, eventType enums.OutboxEventType, body []byte) Result {
	if eventType != enums.EventCreditMintRequested {
		c.logg.Info(ctx, "event not handled by mint worker")
		return Ack
	}

	envelope, decoded, err := c.decoders.DecodeEnvelope(eventType, body)
	if err != nil {
		c.metrics.MintOutcome(OutcomeInvalid)
		c.logg.Error(ctx, "failed to decode mint request", err)
		return Ack
	}
	event, ok := decoded.(*payloads.CreditMintRequestedEvent)
	if !ok || event.CreditID == uuid.Nil {
		c.metrics.MintOutcome(OutcomeInvalid)
		c.logg.Error(ctx, "mint request missing credit id", fmt.Errorf("unexpected payload %T", decoded))
		return Ack
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.metrics.MintOutcome(OutcomeInvalid)
		c.logg.Error(ctx, "mint request has invalid event id", err)
		return Ack
	}

	ctx = c.logg.WithFields(ctx, map[string]any{
		"event_id":  eventID.String(),
		"credit_id": event.CreditID.String(),
		"claim_id":  event.ClaimID.String(),
	})

	if c.guard != nil {
		first, err := c.guard.Acquire(ctx, consumerName, eventID)
		if err != nil {
			c.logg.Error(ctx, "idempotency check failed", err)
			return Nack
		}
		if !first {
			c.metrics.MintOutcome(OutcomeDuplicate)
			c.logg.Info(ctx, "mint request already handled")
			return Ack
		}
	}

	result := c.mint(ctx, event)
	if result == Nack {
		c.release(ctx, eventID)
	}
	return result
}

func (c *Consumer) mint(ctx context.Context, event *payloads.CreditMintRequestedEvent) Result {
	credit, err := c.credits.GetCredit(ctx, event.CreditID)
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(ctx, "failed to load credit", err)
			return Nack
		}
		c.metrics.MintOutcome(OutcomeSkipped)
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "credit for mint request cannot be loaded; dropping")
		return Ack
	}
	if credit.MintStatus != enums.MintStatusPending {
		c.metrics.MintOutcome(OutcomeSkipped)
		c.logg.Info(ctx, fmt.Sprintf("credit mint status is %s, skipping", credit.MintStatus))
		return Ack
	}

	req := gateway.Request{
		RecipientAddress: strings.TrimSpace(event.RecipientAddress),
		Amount:           credit.Amount,
		ClaimID:          credit.ClaimID,
		CreditID:         credit.ID,
		Metadata:         gateway.Metadata{NDVIDelta: credit.NDVIDelta},
	}
	if credit.MetadataCID != nil {
		req.Metadata.MetadataURI = "ipfs://" + *credit.MetadataCID
	}

	receipt, err := c.minter.Mint(ctx, req)
	if err != nil {
		return c.fail(ctx, credit, err)
	}

	if _, err := c.credits.MarkMinted(ctx, credit.ID, receipt.TokenID); err != nil {
		// The gateway dedupes on credit id, so a redelivery returns the same token.
		c.logg.Error(ctx, "failed to record minted token", err)
		return Nack
	}
	c.metrics.MintOutcome(OutcomeMinted)
	c.logg.Info(c.logg.WithField(ctx, "token_id", receipt.TokenID), "credit minted")
	return Ack
}

func (c *Consumer) fail(ctx context.Context, credit *credits.CreditDTO, cause error) Result {
	attempt := credit.MintAttempts + 1
	terminal := !gateway.IsRetryable(cause) || attempt >= c.maxAttempts
	ctx = c.logg.WithFields(ctx, map[string]any{
		"attempt":  attempt,
		"terminal": terminal,
	})

	if _, err := c.credits.RecordMintFailure(ctx, credit.ID, cause, terminal); err != nil {
		c.logg.Error(ctx, "failed to record mint failure", err)
		return Nack
	}
	if terminal {
		c.metrics.MintOutcome(OutcomeFailed)
		c.logg.Error(ctx, "mint failed permanently", cause)
		return Ack
	}
	c.metrics.MintOutcome(OutcomeRetry)
	c.logg.Warn(ctx, fmt.Sprintf("mint failed, awaiting redelivery: %v", cause))
	return Nack
}

func (c *Consumer) release(ctx context.Context, eventID uuid.UUID) {
	if c.guard == nil {
		return
	}
	if err := c.guard.Release(ctx, consumerName, eventID); err != nil {
		c.logg.Error(ctx, "failed to release idempotency key", err)
	}
}
