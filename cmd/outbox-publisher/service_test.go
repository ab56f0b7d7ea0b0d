package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/config"
	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/metrics"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/registry"
)

func creditEvent(t *testing.T, eventType enums.OutboxEventType, label string) models.OutboxEvent {
	t.Helper()
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateCredit,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelopePayload(t, label),
	}
}

func resolvedFor(topic string, payload interface{}) *registry.ResolvedEvent {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         topic,
			AggregateType: enums.AggregateCredit,
		},
		Envelope: outbox.PayloadEnvelope{
			Version:    1,
			EventID:    uuid.NewString(),
			OccurredAt: time.Now(),
		},
		Payload: payload,
	}
}

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{
		events: []models.OutboxEvent{
			creditEvent(t, enums.EventCreditIssued, "event-one"),
			creditEvent(t, enums.EventCreditIssued, "event-two"),
		},
	}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
			fakePublishResult{},
		},
	}
	eventRegistry := &fakeRegistry{resolved: resolvedFor("oxygen-domain-events", &payloads.CreditIssuedEvent{})}
	service := newTestService(t, repo, pub, eventRegistry, &fakeDLQRepo{}, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatal("expected batch to report processed")
	}
	if len(repo.failed) != 1 || repo.failed[0] != repo.events[0].ID {
		t.Fatalf("expected first row marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != repo.events[1].ID {
		t.Fatalf("expected second row published, got %v", repo.published)
	}
}

func TestPublishResolvedRoutesMintRequestsAndSetsAttributes(t *testing.T) {
	event := creditEvent(t, enums.EventCreditMintRequested, "mint")
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	eventRegistry := &fakeRegistry{resolved: resolvedFor("oxygen-credit-mint", &payloads.CreditMintRequestedEvent{})}
	service := newTestService(t, repo, pub, eventRegistry, &fakeDLQRepo{}, nil)

	var topics []string
	service.publisherFactory = func(topic string) publisher {
		topics = append(topics, topic)
		return pub
	}

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(topics) != 1 || topics[0] != "oxygen-credit-mint" {
		t.Fatalf("expected mint topic, got %v", topics)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.sent))
	}
	attrs := pub.sent[0].Attributes
	if attrs["event_type"] != string(enums.EventCreditMintRequested) {
		t.Fatalf("unexpected event_type attribute %q", attrs["event_type"])
	}
	if attrs["event_id"] != event.ID.String() || attrs["version"] != "1" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if !bytes.Equal(pub.sent[0].Data, event.Payload) {
		t.Fatal("message data must be the stored envelope")
	}
}

func TestServiceProcessBatchWritesDLQOnNonRetryable(t *testing.T) {
	event := creditEvent(t, enums.EventCreditIssued, "nonretryable")
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	eventRegistry := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, &fakePublisher{}, eventRegistry, dlqRepo, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatal("expected batch to report processed")
	}
	if len(dlqRepo.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(dlqRepo.entries))
	}
	entry := dlqRepo.entries[0]
	if entry.EventID != event.ID {
		t.Fatalf("dlq event_id mismatch: %s", entry.EventID)
	}
	if !bytes.Equal(entry.Payload, event.Payload) {
		t.Fatal("dlq payload mismatch")
	}
	if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
	}
	if len(repo.dead) != 1 {
		t.Fatalf("expected row marked dead, got %d", len(repo.dead))
	}
}

func TestServiceProcessBatchWritesDLQOnMaxAttempts(t *testing.T) {
	event := creditEvent(t, enums.EventCreditIssued, "max-attempts")
	event.AttemptCount = 1
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("transient")}}}
	eventRegistry := &fakeRegistry{resolved: resolvedFor("oxygen-domain-events", &payloads.CreditIssuedEvent{})}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, pub, eventRegistry, dlqRepo, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(dlqRepo.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(dlqRepo.entries))
	}
	if dlqRepo.entries[0].ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected error reason: %s", dlqRepo.entries[0].ErrorReason)
	}
	if len(repo.failed) != 0 {
		t.Fatal("max-attempt rows go to the dlq, not back to retry")
	}
}

func TestServiceCountsPublishOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := &fakeRepo{events: []models.OutboxEvent{
		creditEvent(t, enums.EventCreditIssued, "ok"),
		creditEvent(t, enums.EventCreditIssued, "fails"),
	}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{},
		fakePublishResult{err: errors.New("transient")},
	}}
	eventRegistry := &fakeRegistry{resolved: resolvedFor("oxygen-domain-events", &payloads.CreditIssuedEvent{})}
	service := newTestService(t, repo, pub, eventRegistry, &fakeDLQRepo{}, nil)
	service.metrics = metrics.NewDomainMetrics(reg)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			counts[fam.GetName()] += m.GetCounter().GetValue()
		}
	}
	if counts["oxygen_outbox_published_total"] != 1 {
		t.Fatalf("expected one published, got %v", counts)
	}
	if counts["oxygen_outbox_publish_failures_total"] != 1 {
		t.Fatalf("expected one failure, got %v", counts)
	}
}

func TestServiceDeadLettersUnroutableTopic(t *testing.T) {
	repo := &fakeRepo{events: []models.OutboxEvent{
		creditEvent(t, enums.EventCreditIssued, "a"),
		creditEvent(t, enums.EventCreditIssued, "b"),
	}}
	eventRegistry := &fakeRegistry{resolved: resolvedFor("oxygen-missing", &payloads.CreditIssuedEvent{})}
	dlqRepo := &fakeDLQRepo{}
	service := newTestService(t, repo, nil, eventRegistry, dlqRepo, nil)

	lookups := 0
	service.publisherFactory = func(string) publisher {
		lookups++
		return nil
	}

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if lookups != 1 {
		t.Fatalf("expected publisher looked up once per topic, got %d", lookups)
	}
	if len(dlqRepo.entries) != 2 || len(repo.dead) != 2 {
		t.Fatalf("expected both rows dead-lettered, got dlq=%d dead=%d", len(dlqRepo.entries), len(repo.dead))
	}
	for _, entry := range dlqRepo.entries {
		if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
			t.Fatalf("unexpected error reason: %s", entry.ErrorReason)
		}
	}
}

func TestNextBackoffCaps(t *testing.T) {
	base := 500 * time.Millisecond
	if got := nextBackoff(0, base, maxBackoff); got != time.Second {
		t.Fatalf("expected doubling from base, got %v", got)
	}
	if got := nextBackoff(8*time.Second, base, maxBackoff); got != maxBackoff {
		t.Fatalf("expected cap %v, got %v", maxBackoff, got)
	}
	if got := withJitter(time.Second); got < time.Second || got >= time.Second+jitterWindow {
		t.Fatalf("jitter out of window: %v", got)
	}
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, registry registryResolver, dlq dlqRepository, outboxCfgOverride *config.OutboxConfig) *Service {
	outboxCfg := config.OutboxConfig{
		BatchSize:      2,
		PollIntervalMS: 100,
		MaxAttempts:    5,
	}
	if outboxCfgOverride != nil {
		outboxCfg = *outboxCfgOverride
	}
	cfg := &config.Config{
		Outbox: outboxCfg,
	}
	service, err := NewService(ServiceParams{
		Config:           cfg,
		Logger:           logger.Nop(),
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         registry,
		PublisherFactory: func(_ string) publisher { return pub },
		DLQRepository:    dlq,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustEnvelopePayload(tb testing.TB, eventID string) json.RawMessage {
	tb.Helper()
	env := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID,
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{}`),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	dead      []uuid.UUID
}

func (f *fakeRepo) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkDeadTx(tx *gorm.DB, id uuid.UUID, err error) error {
	f.dead = append(f.dead, id)
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error {
	return nil
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	results []publishResult
	sent    []*gcppubsub.Message
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.sent = append(f.sent, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Descriptor.AggregateType = event.AggregateType
	resolved.Envelope.EventID = event.ID.String()
	resolved.Envelope.OccurredAt = time.Now()
	return &resolved, f.err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) RecordTx(_ *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	f.entries = append(f.entries, outbox.DeadLetter(event, reason, cause, time.Now()))
	return nil
}
