package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamaah/backend/pkg/queue"
)

// SessionStore writes the room session log.
type SessionStore interface {
	LogJoin(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error
	LogLeave(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error
}

// JobQueue is the source of session-log jobs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// errPermanent marks jobs that cannot succeed on retry.
var errPermanent = errors.New("permanent job failure")

// SessionLogProcessor writes queued join/leave events to the session log.
type SessionLogProcessor struct {
	store   SessionStore
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewSessionLogProcessor creates a session-log processor.
func NewSessionLogProcessor(store SessionStore, q JobQueue, logger *zap.Logger) *SessionLogProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionLogProcessor{store: store, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one job.
func (p *SessionLogProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.SessionEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errPermanent, err)
	}
	roomID, err := uuid.Parse(payload.RoomID)
	if err != nil {
		return fmt.Errorf("%w: room id: %v", errPermanent, err)
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return fmt.Errorf("%w: user id: %v", errPermanent, err)
	}
	at := payload.At
	if at.IsZero() {
		at = job.CreatedAt
	}

	switch job.Type {
	case queue.JobTypeSessionJoin:
		err = p.store.LogJoin(ctx, roomID, userID, at)
	case queue.JobTypeSessionLeave:
		err = p.store.LogLeave(ctx, roomID, userID, at)
	default:
		return fmt.Errorf("%w: unknown job type: %s", errPermanent, job.Type)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", job.Type, err)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *SessionLogProcessor) Run(ctx context.Context) {
	p.logger.Info("session log worker started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("session log worker stopping")
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue error", zap.Error(err))
				p.sleep(ctx)
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			if errors.Is(err, errPermanent) {
				p.logger.Error("job dropped", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			p.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *SessionLogProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
