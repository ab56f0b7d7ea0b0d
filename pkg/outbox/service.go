package outbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          interface{}
	Version       int
	OccurredAt    time.Time
}

// Emitter is what domain services depend on to queue events.
type Emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error
}

type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

// Emit writes the event into outbox_events using the caller's transaction so
// the row commits or rolls back with the domain change. The row id doubles as
// the envelope event id that consumers deduplicate on.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !event.EventType.IsValid() {
		return fmt.Errorf("unknown outbox event type %q", event.EventType)
	}
	if !event.AggregateType.IsValid() {
		return fmt.Errorf("unknown outbox aggregate type %q", event.AggregateType)
	}

	row, err := buildRow(event)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"event_id":       row.ID.String(),
			"event_type":     event.EventType,
			"aggregate_id":   event.AggregateID.String(),
			"aggregate_type": event.AggregateType,
		}), "outbox event queued")
	}
	return nil
}

func buildRow(event DomainEvent) (models.OutboxEvent, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s data: %w", event.EventType, err)
	}
	id := uuid.New()
	envelope := PayloadEnvelope{
		Version:    cmp.Or(event.Version, CurrentVersion),
		EventID:    id.String(),
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      event.Actor,
		Data:       data,
	}
	if event.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       json.RawMessage(body),
	}, nil
}
