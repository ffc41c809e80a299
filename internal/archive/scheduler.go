package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/sessions"
)

// ErrStale is returned by a commit when the session moved on while the
// snapshot was being compacted.
var ErrStale = errors.New("archive: session changed during compaction")

// CommitFunc installs result, computed from snapshot, into the live session.
// It must refuse with ErrStale when the live cursor no longer matches
// snapshot.
type CommitFunc func(ctx context.Context, snapshot, result *sessions.State) error

// StoreCommit returns a CommitFunc that merges the new cursor and summary
// into the stored session under the session's queue slot. Turns appended
// after the snapshot are kept.
func StoreCommit(store sessions.Store, queue *sessions.Queue) CommitFunc {
	return func(ctx context.Context, snapshot, result *sessions.State) error {
		if queue != nil {
			release, err := queue.Acquire(ctx, snapshot.ID)
			if err != nil {
				return err
			}
			defer release()
		}

		current, err := store.Get(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if current.ArchiveCursor != snapshot.ArchiveCursor || len(current.Turns) < result.ArchiveCursor {
			return ErrStale
		}
		if n := result.ArchiveCursor; n > 0 && current.Turns[n-1].ID != snapshot.Turns[n-1].ID {
			return ErrStale
		}
		current.ArchiveCursor = result.ArchiveCursor
		current.ArchiveSummary = result.ArchiveSummary
		return store.Save(ctx, current)
	}
}

// SchedulerConfig bounds background archival.
type SchedulerConfig struct {
	MaxConcurrent int
	// Timeout is the deadline of each job, independent of any request.
	Timeout time.Duration
}

// DefaultSchedulerConfig returns the built-in limits.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{MaxConcurrent: 4, Timeout: 30 * time.Second}
}

// Scheduler runs MaybeArchive in the background. At most one job per session
// and MaxConcurrent jobs overall run at once; excess work is skipped and
// picked up by a later trigger.
type Scheduler struct {
	archivist *Archivist
	commit    CommitFunc
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSchedulerClock replaces the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler returns a running scheduler. Call Close to stop it.
func NewScheduler(archivist *Archivist, commit CommitFunc, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if archivist == nil || commit == nil {
		return nil, errkind.Newf(errkind.Misconfigured, "archive.scheduler", "archivist and commit are required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, errkind.Newf(errkind.Misconfigured, "archive.scheduler", "max concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSchedulerConfig().Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		archivist: archivist,
		commit:    commit,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeout:   cfg.Timeout,
		logger:    slog.Default(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule starts archival of snapshot if a trigger fires. It never blocks
// and reports whether a job was started. snapshot must not be modified by
// the caller afterwards.
func (s *Scheduler) Schedule(snapshot *sessions.State) bool {
	if snapshot == nil {
		return false
	}
	if _, ok := s.archivist.Check(snapshot, s.now()); !ok {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[snapshot.ID]; busy {
		s.mu.Unlock()
		return false
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		s.logger.Debug("archival skipped, scheduler at capacity", "session_id", snapshot.ID)
		return false
	}
	s.inflight[snapshot.ID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(snapshot)
	return true
}

func (s *Scheduler) run(snapshot *sessions.State) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, snapshot.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if err := s.archive(ctx, snapshot); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrStale) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "background archival did not complete", "session_id", snapshot.ID, "error", err)
	}
}

func (s *Scheduler) archive(ctx context.Context, snapshot *sessions.State) error {
	next, _, err := s.archivist.MaybeArchive(ctx, snapshot, s.now())
	if err != nil {
		return err
	}
	if next == snapshot {
		return nil
	}
	if err := s.commit(ctx, snapshot, next); err != nil {
		return fmt.Errorf("commit archive for %s: %w", snapshot.ID, err)
	}
	return nil
}

// Wait blocks until all started jobs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels running jobs, waits for them, and rejects new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
