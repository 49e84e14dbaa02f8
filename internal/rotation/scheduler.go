package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbrinkke/Vault/internal/metadata"
)

// Target is what the scheduler rotates against. The credential manager
// satisfies it.
type Target interface {
	Registry(ctx context.Context) (*metadata.VaultFile, error)
	RotateAuto(ctx context.Context, name string, length int) error
}

// Scheduler polls the registry and auto-rotates due credentials.
type Scheduler struct {
	target   Target
	interval time.Duration
	length   int
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler that generates secrets of length
// characters every interval.
func NewScheduler(target Target, interval time.Duration, length int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		length:   length,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop. It ticks once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("rotation scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick rotates every due credential once and returns how many rotations
// succeeded. A cancelled ctx stops the pass before the next credential; the
// rotation already running is left to finish.
func (s *Scheduler) Tick(ctx context.Context) int {
	vf, err := s.target.Registry(ctx)
	if err != nil {
		s.logger.Error("failed to load registry", slog.String("error", err.Error()))
		return 0
	}

	rotated := 0
	for _, item := range Plan(vf, s.now()) {
		if ctx.Err() != nil {
			s.logger.Info("rotation pass interrupted", slog.Int("rotated", rotated))
			break
		}
		if item.Error != "" {
			s.logger.Warn("skipping credential with invalid schedule",
				slog.String("credential", item.Name),
				slog.String("error", item.Error),
			)
			continue
		}
		if !item.Due {
			continue
		}
		if !s.tryAcquire(item.Name) {
			continue
		}
		if err := s.target.RotateAuto(ctx, item.Name, s.length); err != nil {
			s.logger.Error("scheduled rotation failed",
				slog.String("credential", item.Name),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Info("scheduled rotation complete", slog.String("credential", item.Name))
			rotated++
		}
		s.release(item.Name)
	}
	return rotated
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("rotation scheduler stopped")
	return nil
}
