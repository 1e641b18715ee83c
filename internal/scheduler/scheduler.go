// Package scheduler decides which sources are due and hands them to the
// worker pool, one task per owner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedsift/internal/model"
	"feedsift/internal/storage"
	"feedsift/internal/worker"
)

const defaultRefreshMinutes = 60

var (
	// ErrNoProfile is returned by FetchNow when the owner has no filter profile.
	ErrNoProfile = errors.New("owner has no filter profile")
	// ErrInProgress is returned by FetchNow when the source is already being fetched.
	ErrInProgress = errors.New("source fetch already in progress")
	// ErrDisabled is returned by FetchNow for disabled sources.
	ErrDisabled = errors.New("source is disabled")
)

// Store is the read side the scheduler needs.
type Store interface {
	ListEnabledSources(ctx context.Context) ([]model.Source, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetProfile(ctx context.Context, ownerID int64) (*model.Profile, error)
}

// Pool accepts owner-scoped tasks.
type Pool interface {
	Submit(ownerID int64, name string, fn worker.TaskFunc) (string, error)
	Busy(ownerID int64) bool
	Stats() worker.Stats
}

// GroupProcessor processes the due sources of one owner.
type GroupProcessor interface {
	ProcessGroup(ctx context.Context, profile *model.Profile, sources []model.Source)
}

// Options tunes the scheduling loop.
type Options struct {
	BatchSize        int
	IdleInterval     time.Duration
	DispatchInterval time.Duration
}

// Status is a snapshot of the scheduler for operators.
type Status struct {
	Running        bool
	Cycles         int64
	LastCycleID    string
	LastCycleAt    time.Time
	LastSelected   int
	LastDispatched int
	LastError      string
	Pool           worker.Stats
}

// Scheduler periodically selects due sources and dispatches them.
type Scheduler struct {
	store Store
	pool  Pool
	proc  GroupProcessor
	log   *slog.Logger
	opts  Options
	now   func() time.Time

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler. Zero options select a batch of 20, a 60s idle
// interval and a 5s dispatch interval.
func New(store Store, pool Pool, proc GroupProcessor, opts Options, log *slog.Logger) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 60 * time.Second
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = 5 * time.Second
	}
	return &Scheduler{
		store: store,
		pool:  pool,
		proc:  proc,
		log:   log,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Candidate is a due source with its ranking score.
type Candidate struct {
	Source  model.Source
	Profile *model.Profile
	// Overdue is how long ago the source became due. Never-fetched sources
	// get math.MaxInt64.
	Overdue time.Duration
}

// RefreshInterval returns the effective refresh interval of a source.
func RefreshInterval(src model.Source, p *model.Profile) time.Duration {
	minutes := src.RefreshMinutes
	if minutes <= 0 && p != nil {
		minutes = p.RefreshMinutes
	}
	if minutes <= 0 {
		minutes = defaultRefreshMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// SelectDue ranks due sources, most overdue first, and returns at most limit
// of them. Sources without a profile, sources being fetched and sources not
// yet due are left out. Ties go to the lower source id.
func SelectDue(sources []model.Source, profiles map[int64]*model.Profile, now time.Time, limit int) []Candidate {
	var due []Candidate
	for _, src := range sources {
		if !src.Enabled || src.Fetching {
			continue
		}
		p, ok := profiles[src.OwnerID]
		if !ok || p == nil {
			continue
		}

		overdue := time.Duration(math.MaxInt64)
		if src.LastFetchAt != nil {
			overdue = now.Sub(src.LastFetchAt.Add(RefreshInterval(src, p)))
			if overdue < 0 {
				continue
			}
		}
		due = append(due, Candidate{Source: src, Profile: p, Overdue: overdue})
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Overdue != due[j].Overdue {
			return due[i].Overdue > due[j].Overdue
		}
		return due[i].Source.ID < due[j].Source.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

type group struct {
	profile *model.Profile
	sources []model.Source
}

// groupByOwner keeps owners in order of their most overdue source.
func groupByOwner(candidates []Candidate) []group {
	var groups []group
	index := make(map[int64]int)
	for _, c := range candidates {
		i, ok := index[c.Source.OwnerID]
		if !ok {
			i = len(groups)
			index[c.Source.OwnerID] = i
			groups = append(groups, group{profile: c.Profile})
		}
		groups[i].sources = append(groups[i].sources, c.Source)
	}
	return groups
}

// Run loops until ctx is cancelled. After a cycle that dispatched work it
// waits the dispatch interval, otherwise the idle interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.setRunning(true)
	defer s.setRunning(false)
	s.log.Info("scheduler started",
		"batch", s.opts.BatchSize,
		"idle_interval", s.opts.IdleInterval,
		"dispatch_interval", s.opts.DispatchInterval,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-timer.C:
		}

		wait := s.opts.IdleInterval
		dispatched, err := s.safeCycle(ctx)
		if err == nil && dispatched > 0 {
			wait = s.opts.DispatchInterval
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (dispatched int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			s.log.Error("scheduler cycle panicked", "panic", r)
			s.recordError(err)
		}
	}()
	return s.Cycle(ctx)
}

// Cycle runs one selection and dispatch round and returns how many owner
// groups were submitted.
func (s *Scheduler) Cycle(ctx context.Context) (int, error) {
	cycleID := uuid.NewString()
	log := s.log.With("cycle_id", cycleID)

	sources, err := s.store.ListEnabledSources(ctx)
	if err != nil {
		err = fmt.Errorf("list sources: %w", err)
		log.Error("scheduler cycle failed", "error", err)
		s.recordError(err)
		return 0, err
	}

	// Busy owners are dropped before ranking so their backlog cannot fill
	// the batch and starve idle owners.
	idle := make([]model.Source, 0, len(sources))
	busy := make(map[int64]bool)
	for _, src := range sources {
		b, ok := busy[src.OwnerID]
		if !ok {
			b = s.pool.Busy(src.OwnerID)
			busy[src.OwnerID] = b
		}
		if !b {
			idle = append(idle, src)
		}
	}
	if skipped := len(sources) - len(idle); skipped > 0 {
		log.Debug("skipping sources of busy owners", "sources", skipped)
	}

	profiles := s.loadProfiles(ctx, log, idle)
	selected := SelectDue(idle, profiles, s.now(), s.opts.BatchSize)

	dispatched := 0
	for _, g := range groupByOwner(selected) {
		owner := g.profile.OwnerID
		if s.pool.Busy(owner) {
			log.Debug("owner busy, skipping", "owner_id", owner, "sources", len(g.sources))
			continue
		}

		profile, sources := g.profile, g.sources
		taskID, err := s.pool.Submit(owner, "scheduled-fetch", func(ctx context.Context) {
			s.proc.ProcessGroup(ctx, profile, sources)
		})
		if errors.Is(err, worker.ErrQueueFull) {
			log.Warn("worker queue full, deferring remaining owners", "owner_id", owner)
			break
		}
		if err != nil {
			err = fmt.Errorf("submit owner %d: %w", owner, err)
			log.Error("scheduler cycle failed", "error", err)
			s.recordError(err)
			return dispatched, err
		}
		log.Debug("dispatched owner group", "owner_id", owner, "task_id", taskID, "sources", len(sources))
		dispatched++
	}

	if len(selected) > 0 {
		log.Info("scheduler cycle", "selected", len(selected), "dispatched", dispatched)
	}

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycleID = cycleID
	s.status.LastCycleAt = s.now()
	s.status.LastSelected = len(selected)
	s.status.LastDispatched = dispatched
	s.status.LastError = ""
	s.mu.Unlock()
	return dispatched, nil
}

func (s *Scheduler) loadProfiles(ctx context.Context, log *slog.Logger, sources []model.Source) map[int64]*model.Profile {
	profiles := make(map[int64]*model.Profile)
	seen := make(map[int64]bool)
	for _, src := range sources {
		if seen[src.OwnerID] {
			continue
		}
		seen[src.OwnerID] = true

		p, err := s.store.GetProfile(ctx, src.OwnerID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error("load profile", "owner_id", src.OwnerID, "error", err)
			continue
		}
		profiles[src.OwnerID] = p
	}
	return profiles
}

// FetchNow queues an immediate fetch of one source and returns the task id.
func (s *Scheduler) FetchNow(ctx context.Context, sourceID int64) (string, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("get source: %w", err)
	}
	if !src.Enabled {
		return "", ErrDisabled
	}
	if src.Fetching {
		return "", ErrInProgress
	}
	profile, err := s.store.GetProfile(ctx, src.OwnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoProfile
	}
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}

	source := *src
	taskID, err := s.pool.Submit(src.OwnerID, "fetch-now", func(ctx context.Context) {
		s.proc.ProcessGroup(ctx, profile, []model.Source{source})
	})
	if err != nil {
		return "", err
	}
	s.log.Info("fetch requested", "source_id", sourceID, "owner_id", src.OwnerID, "task_id", taskID)
	return taskID, nil
}

// Status returns a snapshot of scheduler and pool state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Pool = s.pool.Stats()
	return st
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	s.status.Running = running
	s.mu.Unlock()
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}
