package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

const outboxRetention = 30 * 24 * time.Hour

type outboxPruner interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time) (int64, error)
}

type deadLetterCounter interface {
	CountByReason(tx *gorm.DB) (map[enums.OutboxDLQErrorReason]int64, error)
}

// OutboxRetentionJobParams configures the prune job. DeadLetters is optional;
// when set the job also reports how many events sit in the DLQ.
type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxPruner
	DeadLetters deadLetterCounter
	Retention   time.Duration
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetention
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		dlq:       params.DeadLetters,
		retention: retention,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxPruner
	dlq       deadLetterCounter
	retention time.Duration
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var (
		deleted int64
		parked  map[enums.OutboxDLQErrorReason]int64
	)
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeletePublishedBefore(tx, cutoff)
		if err != nil {
			return err
		}
		deleted = rows
		if j.dlq == nil {
			return nil
		}
		parked, err = j.dlq.CountByReason(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}

	fields := map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}
	var total int64
	for reason, n := range parked {
		fields["dlq_"+string(reason)] = n
		total += n
	}
	ctx = j.logg.WithFields(ctx, fields)
	if total > 0 {
		j.logg.Warn(ctx, "outbox dead-letter queue is not empty")
	}
	j.logg.Info(ctx, "outbox retention cleanup complete")
	return nil
}
