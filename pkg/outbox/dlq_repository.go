package outbox

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
)

const maxDLQErrorLen = 1024

// DeadLetter builds the outbox_dlq row for an event the publisher gave up on.
// The original envelope is kept byte for byte so it can be replayed by hand.
func DeadLetter(event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, at time.Time) models.OutboxDLQ {
	entry := models.OutboxDLQ{
		ID:            uuid.New(),
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		AttemptCount:  event.AttemptCount,
		FailedAt:      at.UTC(),
	}
	if cause != nil {
		msg := truncateDLQError(cause.Error())
		entry.ErrorMessage = &msg
	}
	return entry
}

type DLQRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db, now: time.Now}
}

// RecordTx parks event in the dead-letter table inside the publisher's
// batch transaction.
func (r *DLQRepository) RecordTx(tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !reason.IsValid() {
		return errors.New("unknown dlq reason " + string(reason))
	}
	entry := DeadLetter(event, reason, cause, r.now())
	return tx.Create(&entry).Error
}

// CountByReason reports how many parked events exist per reason.
func (r *DLQRepository) CountByReason(tx *gorm.DB) (map[enums.OutboxDLQErrorReason]int64, error) {
	if tx == nil {
		tx = r.db
	}
	var rows []struct {
		ErrorReason enums.OutboxDLQErrorReason
		Total       int64
	}
	err := tx.Model(&models.OutboxDLQ{}).
		Select("error_reason, COUNT(*) AS total").
		Group("error_reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OutboxDLQErrorReason]int64, len(rows))
	for _, row := range rows {
		out[row.ErrorReason] = row.Total
	}
	return out, nil
}

// truncateDLQError cuts message to maxDLQErrorLen bytes without splitting a rune.
func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	cut := maxDLQErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
