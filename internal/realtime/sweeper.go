package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/presence"
)

// Sweeper periodically evicts presence entries that stopped sending heartbeats.
type Sweeper struct {
	registry   *presence.Registry
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
	onEvict    PresenceHook
	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSweeper creates a sweeper. Entries older than staleAfter are evicted every interval.
func NewSweeper(registry *presence.Registry, interval, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		registry:   registry,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// SetEvictHandler sets the callback for each evicted user.
func (s *Sweeper) SetEvictHandler(fn PresenceHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Start begins the sweep loop. Call Stop() to release resources.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	s.logger.Info("presence sweeper started", zap.Duration("interval", s.interval), zap.Duration("stale_after", s.staleAfter))
}

// Stop stops the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("presence sweeper stopped")
}

// Sweep runs one eviction pass and returns what was evicted.
func (s *Sweeper) Sweep() []presence.Eviction {
	evicted := s.registry.Sweep(s.staleAfter)
	if len(evicted) == 0 {
		return nil
	}
	s.mu.Lock()
	fn := s.onEvict
	s.mu.Unlock()
	for _, ev := range evicted {
		s.logger.Info("evicted stale presence", zap.String("room_id", ev.RoomID), zap.String("user_id", ev.UserID))
		if fn != nil {
			fn(ev.RoomID, ev.UserID)
		}
	}
	return evicted
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
