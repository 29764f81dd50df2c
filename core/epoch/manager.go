package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

// Repository is the persistence surface the manager needs. Lookups that find
// nothing return settleerrors.ErrNotFound.
type Repository interface {
	// LatestOpenEpoch returns the open epoch with the highest id.
	LatestOpenEpoch(ctx context.Context) (types.Epoch, error)
	// LatestExpiredOpenEpoch returns the open epoch with the highest id whose
	// end time is at or before now.
	LatestExpiredOpenEpoch(ctx context.Context, now time.Time) (types.Epoch, error)
	// LastEpochID returns the highest epoch id ever issued, or zero.
	LastEpochID(ctx context.Context) (uint64, error)
	CreateEpoch(ctx context.Context, epoch *types.Epoch) error
	UpdateEpochEndTime(ctx context.Context, epochID uint64, end time.Time) error
}

// Manager owns the epoch clock. Settlement is a separate step; closing an
// epoch only fixes its boundary.
type Manager struct {
	cfg    Config
	repo   Repository
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option customises the manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a manager.
func NewManager(cfg Config, repo Repository, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("epoch: repository required")
	}
	m := &Manager{cfg: cfg, repo: repo, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// GetOrCreateCurrent returns the open epoch covering now, cutting a new one
// when the latest open epoch has already elapsed.
func (m *Manager) GetOrCreateCurrent(ctx context.Context) (types.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	latest, err := m.repo.LatestOpenEpoch(ctx)
	switch {
	case err == nil && latest.EndTime.After(now):
		return latest, nil
	case err != nil && !errors.Is(err, settleerrors.ErrNotFound):
		return types.Epoch{}, fmt.Errorf("epoch: load open epoch: %w", err)
	}
	return m.create(ctx, now)
}

func (m *Manager) create(ctx context.Context, now time.Time) (types.Epoch, error) {
	lastID, err := m.repo.LastEpochID(ctx)
	if err != nil {
		return types.Epoch{}, fmt.Errorf("epoch: load last id: %w", err)
	}
	next := types.Epoch{
		EpochID:   lastID + 1,
		StartTime: now,
		EndTime:   now.Add(m.cfg.Duration),
		Status:    types.EpochPending,
	}
	if err := m.repo.CreateEpoch(ctx, &next); err != nil {
		// another process may have cut the same id first
		if latest, lookupErr := m.repo.LatestOpenEpoch(ctx); lookupErr == nil && latest.EndTime.After(now) {
			return latest, nil
		}
		return types.Epoch{}, fmt.Errorf("epoch: create %d: %w", next.EpochID, err)
	}
	m.logger.Info("epoch opened",
		slog.Uint64("epoch_id", next.EpochID),
		slog.Time("start_time", next.StartTime),
		slog.Time("end_time", next.EndTime))
	return next, nil
}

// CloseExpired returns the most recent open epoch whose window has elapsed.
// The boundary is left as stored, so a late scheduler tick never moves it.
// The boolean is false when nothing has expired.
func (m *Manager) CloseExpired(ctx context.Context) (types.Epoch, bool, error) {
	now := m.now().UTC()
	expired, err := m.repo.LatestExpiredOpenEpoch(ctx, now)
	if errors.Is(err, settleerrors.ErrNotFound) {
		return types.Epoch{}, false, nil
	}
	if err != nil {
		return types.Epoch{}, false, fmt.Errorf("epoch: load expired epoch: %w", err)
	}
	if expired.EndTime.After(now) {
		if err := m.repo.UpdateEpochEndTime(ctx, expired.EpochID, now); err != nil {
			return types.Epoch{}, false, fmt.Errorf("epoch: clamp %d: %w", expired.EpochID, err)
		}
		expired.EndTime = now
	}
	m.logger.Info("epoch closed", slog.Uint64("epoch_id", expired.EpochID), slog.Time("end_time", expired.EndTime))
	return expired, true, nil
}

// CloseNow ends the current open epoch early by clamping its end time to now.
// Operators use it to settle a window before its planned boundary.
func (m *Manager) CloseNow(ctx context.Context) (types.Epoch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	current, err := m.repo.LatestOpenEpoch(ctx)
	if errors.Is(err, settleerrors.ErrNotFound) {
		return types.Epoch{}, false, nil
	}
	if err != nil {
		return types.Epoch{}, false, fmt.Errorf("epoch: load open epoch: %w", err)
	}
	if current.EndTime.After(now) {
		if err := m.repo.UpdateEpochEndTime(ctx, current.EpochID, now); err != nil {
			return types.Epoch{}, false, fmt.Errorf("epoch: clamp %d: %w", current.EpochID, err)
		}
		m.logger.Info("epoch clamped",
			slog.Uint64("epoch_id", current.EpochID),
			slog.Time("planned_end", current.EndTime),
			slog.Time("end_time", now))
		current.EndTime = now
	}
	return current, true, nil
}

// Current returns the open epoch covering now without creating one.
func (m *Manager) Current(ctx context.Context) (types.Epoch, bool, error) {
	latest, err := m.repo.LatestOpenEpoch(ctx)
	if errors.Is(err, settleerrors.ErrNotFound) {
		return types.Epoch{}, false, nil
	}
	if err != nil {
		return types.Epoch{}, false, fmt.Errorf("epoch: load open epoch: %w", err)
	}
	if !latest.EndTime.After(m.now()) {
		return types.Epoch{}, false, nil
	}
	return latest, true, nil
}

// CurrentID returns the id of the epoch covering now, or the id the next
// epoch will receive.
func (m *Manager) CurrentID(ctx context.Context) (uint64, error) {
	current, ok, err := m.Current(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		return current.EpochID, nil
	}
	last, err := m.repo.LastEpochID(ctx)
	if err != nil {
		return 0, fmt.Errorf("epoch: load last id: %w", err)
	}
	return last + 1, nil
}

// Rollover closes the elapsed epoch, if any, and makes sure a current one
// exists. It is the body of the periodic rollover job.
func (m *Manager) Rollover(ctx context.Context) (types.Epoch, error) {
	if _, _, err := m.CloseExpired(ctx); err != nil {
		return types.Epoch{}, err
	}
	return m.GetOrCreateCurrent(ctx)
}
