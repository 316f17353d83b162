// Package dispatch relays durable outbox rows to Pub/Sub and delivers
// return-processing jobs to the worker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type Dispatcher struct {
	repo      repository.OutboxRepository
	publisher Publisher
	log       logrus.FieldLogger
	now       func() time.Time

	ID           string
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func NewDispatcher(repo repository.OutboxRepository, publisher Publisher, cfg *config.Config, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		repo:         repo,
		publisher:    publisher,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		ID:           uuid.NewString(),
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
		LockTTL:      cfg.OutboxLockTTL,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		BaseBackoff:  cfg.OutboxBaseBackoff,
		MaxBackoff:   cfg.OutboxMaxBackoff,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(d.log, "dispatch", "Run", "claim outbox messages", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce publishes one claimed slice and reports how many were sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	claimed, err := d.repo.ClaimDue(ctx, d.ID, now, d.LockTTL, d.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range claimed {
		attrs := map[string]string{"dedupe_key": m.DedupeKey, "outbox_id": m.ID.String()}
		msgID, pubErr := d.publisher.Publish(ctx, m.Topic, m.Payload, attrs)
		if pubErr != nil {
			d.markFailed(ctx, m, pubErr)
			continue
		}
		if err := d.repo.MarkSent(ctx, m.ID, msgID, d.now()); err != nil {
			config.LogError(d.log, "dispatch", "DispatchOnce", "mark outbox message sent",
				map[string]any{"outbox_id": m.ID, "message_id": msgID}, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, m *models.OutboxMessage, pubErr error) {
	attempts := m.Attempts + 1
	fields := logrus.Fields{
		"module":    "dispatch",
		"outbox_id": m.ID,
		"topic":     m.Topic,
		"attempt":   attempts,
	}

	if d.MaxAttempts > 0 && attempts >= d.MaxAttempts {
		if err := d.repo.MarkFailed(ctx, m.ID, attempts, models.OutboxDead, nil, pubErr.Error()); err != nil {
			config.LogError(d.log, "dispatch", "markFailed", "mark outbox message dead", fields, err)
		}
		d.log.WithFields(fields).Error("outbox publish moved to DEAD after max attempts: " + pubErr.Error())
		return
	}

	next := d.now().Add(Backoff(attempts, d.BaseBackoff, d.MaxBackoff))
	if err := d.repo.MarkFailed(ctx, m.ID, attempts, models.OutboxFailed, &next, pubErr.Error()); err != nil {
		config.LogError(d.log, "dispatch", "markFailed", "mark outbox message failed", fields, err)
	}
	fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
	d.log.WithFields(fields).Warn("outbox publish failed: " + pubErr.Error())
}

// Backoff is base * 2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > limit || delay <= 0 {
		return limit
	}
	return delay
}

// NewReturnJobMessage builds the outbox row for a return. The return id is
// the dedupe key, so a retried completion never queues the job twice.
func NewReturnJobMessage(topic string, job models.ReturnJob) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode return job: %w", err)
	}
	return &models.OutboxMessage{
		ID:          uuid.New(),
		Topic:       topic,
		DedupeKey:   job.ReturnID.String(),
		AggregateID: job.ReturnID,
		Payload:     datatypes.JSON(payload),
		Status:      models.OutboxPending,
	}, nil
}

func DecodeReturnJob(data []byte) (models.ReturnJob, error) {
	var job models.ReturnJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("decode return job: %w", err)
	}
	if job.ReturnID == uuid.Nil {
		return job, errors.New("decode return job: return_id is required")
	}
	return job, nil
}
