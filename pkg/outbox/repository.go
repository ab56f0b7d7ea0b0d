package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/oxygencredits-backend/pkg/db/models"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&event).Error
}

// FetchUnpublishedForPublish locks a batch of pending rows so concurrent
// publishers skip each other. Rows past maxAttempts are left for the DLQ sweep.
func (r *Repository) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	query := tx.Where("published_at IS NULL")
	if maxAttempts > 0 {
		query = query.Where("attempt_count < ?", maxAttempts)
	}
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.OutboxEvent
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published_at": time.Now().UTC(),
			"last_error":   nil,
		}).Error
}

func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	msg := truncateDLQError(err.Error())
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    msg,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// MarkDeadTx records a terminal failure and stops the row from being fetched again.
func (r *Repository) MarkDeadTx(tx *gorm.DB, id uuid.UUID, err error) error {
	msg := truncateDLQError(err.Error())
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    msg,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"published_at":  time.Now().UTC(),
		}).Error
}

// CountPending returns rows still waiting to be published.
func (r *Repository) CountPending(tx *gorm.DB) (int64, error) {
	var count int64
	err := tx.Model(&models.OutboxEvent{}).Where("published_at IS NULL").Count(&count).Error
	return count, err
}

// DeletePublishedBefore removes rows delivered before cutoff. Dead rows keep
// their last_error and stay for inspection alongside their DLQ entry.
func (r *Repository) DeletePublishedBefore(tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	res := tx.Where("published_at IS NOT NULL AND published_at < ? AND last_error IS NULL", cutoff).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}
