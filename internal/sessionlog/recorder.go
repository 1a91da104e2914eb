package sessionlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamaah/backend/pkg/queue"
)

const (
	enqueueTimeout = 2 * time.Second
	recorderBuffer = 4096
)

// Enqueuer queues session events for the worker.
type Enqueuer interface {
	EnqueueSessionEvent(ctx context.Context, jobType queue.JobType, payload queue.SessionEventPayload) error
}

type sessionEvent struct {
	jobType queue.JobType
	payload queue.SessionEventPayload
}

// Recorder turns presence joins and leaves into queued session-log jobs.
// Its methods match the realtime engine's presence hooks and never block on Redis: events are
// buffered and handed to the queue by Run, in the order they happened.
type Recorder struct {
	queue  Enqueuer
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	events chan sessionEvent
}

// NewRecorder creates a recorder. Start Run to deliver events.
func NewRecorder(q Enqueuer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{queue: q, logger: logger, now: time.Now, events: make(chan sessionEvent, recorderBuffer)}
}

// OnJoin records that userID became present in roomID.
func (r *Recorder) OnJoin(roomID, userID string) {
	r.push(queue.JobTypeSessionJoin, roomID, userID)
}

// OnLeave records that userID is no longer present in roomID.
func (r *Recorder) OnLeave(roomID, userID string) {
	r.push(queue.JobTypeSessionLeave, roomID, userID)
}

// Run enqueues buffered events until Close is called and the buffer is empty.
func (r *Recorder) Run() {
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		err := r.queue.EnqueueSessionEvent(ctx, ev.jobType, ev.payload)
		cancel()
		if err != nil {
			r.logger.Warn("enqueue session event", zap.String("type", string(ev.jobType)),
				zap.String("room_id", ev.payload.RoomID), zap.String("user_id", ev.payload.UserID), zap.Error(err))
		}
	}
}

// Close stops accepting events. Run returns once the buffer is flushed.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

func (r *Recorder) push(jobType queue.JobType, roomID, userID string) {
	// rows are keyed by uuid; rooms and users outside the database are not logged
	if _, err := uuid.Parse(roomID); err != nil {
		return
	}
	if _, err := uuid.Parse(userID); err != nil {
		return
	}
	ev := sessionEvent{jobType: jobType, payload: queue.SessionEventPayload{RoomID: roomID, UserID: userID, At: r.now().UTC()}}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("session event after close", zap.String("type", string(jobType)),
			zap.String("room_id", roomID), zap.String("user_id", userID))
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("session event buffer full, dropping", zap.String("type", string(jobType)),
			zap.String("room_id", roomID), zap.String("user_id", userID))
	}
}
