package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkDeadTx(tx *gorm.DB, id uuid.UUID, err error) error
}

type dlqRepository interface {
	RecordTx(tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Metrics          *metrics.DomainMetrics
}

// Service drains outbox_events onto Pub/Sub. Each poll claims a batch under
// a row lock, sends every message before waiting on any acknowledgement and
// then settles each row as published, retried or dead-lettered.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	dlq              dlqRepository
	publisherFactory publisherFactory
	metrics          *metrics.DomainMetrics
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	required := []struct {
		missing bool
		name    string
	}{
		{params.Config == nil, "config"},
		{params.Logger == nil, "logger"},
		{params.DB == nil, "database client"},
		{params.PubSub == nil, "pubsub client"},
		{params.Repository == nil, "outbox repository"},
		{params.Registry == nil, "event registry"},
		{params.DLQRepository == nil, "dlq repository"},
	}
	for _, dep := range required {
		if dep.missing {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	svc := &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		dlq:              params.DLQRepository,
		publisherFactory: params.PublisherFactory,
		metrics:          params.Metrics,
		batchSize:        positiveOr(params.Config.Outbox.BatchSize, defaultBatchSize),
		maxAttempts:      positiveOr(params.Config.Outbox.MaxAttempts, defaultMaxAttempts),
		pollInterval:     time.Duration(positiveOr(params.Config.Outbox.PollIntervalMS, defaultPollMs)) * time.Millisecond,
	}
	if svc.publisherFactory == nil {
		svc.publisherFactory = svc.gcpPublisherFor
	}
	return svc, nil
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (s *Service) gcpPublisherFor(topic string) publisher {
	p := s.pubsub.Publisher(topic)
	if p == nil {
		return nil
	}
	return gcpPublisher{p}
}

// Run polls until ctx is canceled. Empty polls sleep for the poll interval;
// failed batches back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{
		"database": s.db.Ping,
		"pubsub":   s.pubsub.Ping,
	} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	var backoff time.Duration
	for ctx.Err() == nil {
		processed, err := s.processBatch(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			wait = withJitter(backoff)
		case processed:
			backoff = 0
			continue
		default:
			backoff = 0
			wait = withJitter(s.pollInterval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	s.logg.Info(ctx, "outbox publisher context canceled")
	return ctx.Err()
}

type settlement int

const (
	settlePublished settlement = iota
	settleRetry
	settleDead
)

// delivery tracks one outbox row through a batch.
type delivery struct {
	event   models.OutboxEvent
	topic   string
	pending publishResult
	outcome settlement
	reason  enums.OutboxDLQErrorReason
	err     error
}

func (d *delivery) fail(err error) {
	var nonRetryable registry.NonRetryableError
	if errors.As(err, &nonRetryable) {
		d.outcome, d.reason, d.err = settleDead, enums.OutboxDLQReasonNonRetryable, err
		return
	}
	d.outcome, d.err = settleRetry, err
}

// processBatch reports whether any rows were claimed.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	claimed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		claimed = true

		publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()

		deliveries := s.send(publishCtx, events)
		for _, d := range deliveries {
			if d.pending != nil {
				if _, err := d.pending.Get(publishCtx); err != nil {
					d.fail(err)
				}
			}
			if d.outcome == settleRetry && d.event.AttemptCount+1 >= s.maxAttempts {
				d.outcome = settleDead
				d.reason = enums.OutboxDLQReasonMaxAttempts
				d.err = fmt.Errorf("max publish attempts reached: %w", d.err)
			}
			if err := s.settle(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

// send hands every resolvable event to its topic publisher without blocking
// on the broker.
func (s *Service) send(ctx context.Context, events []models.OutboxEvent) []*delivery {
	publishers := make(map[string]publisher)
	out := make([]*delivery, 0, len(events))
	for _, event := range events {
		d := &delivery{event: event, outcome: settlePublished}
		out = append(out, d)

		resolved, err := s.registry.Resolve(event)
		if err != nil {
			d.fail(registry.NewNonRetryableError(err))
			continue
		}
		d.topic = resolved.Descriptor.Topic

		pub, ok := publishers[d.topic]
		if !ok {
			pub = s.publisherFactory(d.topic)
			publishers[d.topic] = pub
		}
		if pub == nil {
			d.fail(registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", d.topic)))
			continue
		}

		d.pending = pub.Publish(ctx, &gcppubsub.Message{
			Data: event.Payload,
			Attributes: map[string]string{
				"event_id":       event.ID.String(),
				"event_type":     string(event.EventType),
				"aggregate_type": string(event.AggregateType),
				"aggregate_id":   event.AggregateID.String(),
				"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
				"version":        strconv.Itoa(resolved.Envelope.Version),
			},
		})
		if d.pending == nil {
			d.fail(registry.NewNonRetryableError(fmt.Errorf("publisher for topic %s returned no result", d.topic)))
		}
	}
	return out
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, d *delivery) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"outbox_id":      d.event.ID.String(),
		"event_type":     d.event.EventType,
		"aggregate_type": d.event.AggregateType,
		"aggregate_id":   d.event.AggregateID.String(),
		"attempt_count":  d.event.AttemptCount,
		"topic":          d.topic,
	})

	switch d.outcome {
	case settlePublished:
		if err := s.repo.MarkPublishedTx(tx, d.event.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", d.event.ID, err)
		}
		s.metrics.OutboxPublished(string(d.event.EventType))
		s.logg.Info(logCtx, "outbox event published")
		return nil

	case settleRetry:
		s.metrics.OutboxPublishFailed(string(d.event.EventType))
		s.logg.Warn(s.logg.WithField(logCtx, "error", d.err.Error()), "outbox publish failed; will retry")
		if err := s.repo.MarkFailedTx(tx, d.event.ID, d.err); err != nil {
			return fmt.Errorf("mark failed %s: %w", d.event.ID, err)
		}
		return nil

	default:
		s.metrics.OutboxPublishFailed(string(d.event.EventType))
		s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
			"error":        d.err.Error(),
			"error_reason": d.reason,
		}), "outbox event dead-lettered")
		if err := s.dlq.RecordTx(tx, d.event, d.reason, d.err); err != nil {
			return fmt.Errorf("record dlq %s: %w", d.event.ID, err)
		}
		if err := s.repo.MarkDeadTx(tx, d.event.ID, d.err); err != nil {
			return fmt.Errorf("mark dead %s: %w", d.event.ID, err)
		}
		return nil
	}
}

// nextBackoff doubles current, starting from base, capped at limit.
func nextBackoff(current, base, limit time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, limit)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(jitterWindow)
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return g.p.Publish(ctx, msg)
}
