package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLockNotAcquired = errors.New("batch lock not acquired")

// BatchLockService guards batch resources with rows in batch_locks.
type BatchLockService struct {
	db           *gorm.DB
	hostname     string
	ttl          time.Duration
	waitAttempts int
	waitInterval time.Duration
	now          func() time.Time
}

func NewBatchLockService(db *gorm.DB, cfg *config.BatchConfig) *BatchLockService {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &BatchLockService{
		db:           db,
		hostname:     hostname,
		ttl:          cfg.LockTTL,
		waitAttempts: cfg.WaitRetryAttempts,
		waitInterval: cfg.WaitRetryInterval,
		now:          time.Now,
	}
}

// Acquire tries to take the named lock. When the lock is already held the
// requested policy decides the outcome, not the holder's.
func (s *BatchLockService) Acquire(ctx context.Context, name, policy, lockType, description string) (bool, error) {
	existing, err := s.find(ctx, name)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return s.insert(ctx, name, policy, lockType, description)
	}

	switch policy {
	case models.LockPolicyExclusive:
		logger.Warn().Str("lock", name).Str("holder", existing.Hostname).Msg("[BatchLock] EXCLUSIVE: lock already held")
		return false, nil

	case models.LockPolicyFailFast:
		logger.Warn().Str("lock", name).Msg("[BatchLock] FAIL_FAST: lock held, failing immediately")
		return false, nil

	case models.LockPolicyReentrant:
		if existing.Hostname == s.hostname {
			logger.Info().Str("lock", name).Msg("[BatchLock] REENTRANT: same host, re-entry allowed")
			return true, nil
		}
		logger.Warn().Str("lock", name).Str("holder", existing.Hostname).Msg("[BatchLock] REENTRANT: held by another host")
		return false, nil

	case models.LockPolicyTimed:
		if !existing.Expired(s.now()) {
			logger.Warn().Str("lock", name).Str("holder", existing.Hostname).Msg("[BatchLock] TIMED: lock still valid")
			return false, nil
		}
		logger.Info().Str("lock", name).Msg("[BatchLock] TIMED: lock expired, reclaiming")
		res := s.db.WithContext(ctx).
			Where("lock_name = ? AND expires_at IS NOT NULL AND expires_at < ?", name, s.now()).
			Delete(&models.BatchLock{})
		if res.Error != nil {
			return false, fmt.Errorf("delete expired lock %s: %w", name, res.Error)
		}
		if res.RowsAffected == 0 {
			// someone else reclaimed it first
			return false, nil
		}
		return s.insert(ctx, name, policy, lockType, description)

	case models.LockPolicyWaitRetry:
		return s.waitAndAcquire(ctx, name, policy, lockType, description)

	case models.LockPolicyDistributed:
		logger.Warn().Str("lock", name).Msg("[BatchLock] DISTRIBUTED policy not implemented, refusing")
		return false, nil
	}

	return false, fmt.Errorf("unknown lock policy %q", policy)
}

func (s *BatchLockService) waitAndAcquire(ctx context.Context, name, policy, lockType, description string) (bool, error) {
	for i := 1; i <= s.waitAttempts; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.waitInterval):
		}

		existing, err := s.find(ctx, name)
		if err != nil {
			return false, err
		}
		if existing == nil {
			ok, err := s.insert(ctx, name, policy, lockType, description)
			if err != nil || ok {
				logger.Info().Str("lock", name).Int("attempt", i).Bool("acquired", ok).Msg("[BatchLock] WAIT_RETRY: lock released")
				return ok, err
			}
		}
		logger.Info().Str("lock", name).Msgf("[BatchLock] WAIT_RETRY: attempt %d/%d still held", i, s.waitAttempts)
	}
	return false, nil
}

// Release deletes the named lock. Failures are logged, never returned.
func (s *BatchLockService) Release(ctx context.Context, name string) {
	res := s.db.WithContext(ctx).Where("lock_name = ?", name).Delete(&models.BatchLock{})
	if res.Error != nil {
		logger.Error().Err(res.Error).Str("lock", name).Msg("[BatchLock] failed to release lock")
		return
	}
	if res.RowsAffected == 0 {
		logger.Warn().Str("lock", name).Msg("[BatchLock] release of a lock that was not held")
		return
	}
	logger.Info().Str("lock", name).Msg("[BatchLock] lock released")
}

// WithLock runs fn while holding the named lock and releases it on every exit path.
func (s *BatchLockService) WithLock(ctx context.Context, name, policy, lockType, description string, fn func(ctx context.Context) error) error {
	ok, err := s.Acquire(ctx, name, policy, lockType, description)
	if err != nil {
		return Retryable("lock "+name+" unavailable", err)
	}
	if !ok {
		return NonCritical("lock "+name+" is held by another run", ErrLockNotAcquired)
	}
	// release must not depend on the caller's context still being alive
	defer s.Release(context.WithoutCancel(ctx), name)

	return fn(ctx)
}

// List returns every lock row currently held.
func (s *BatchLockService) List(ctx context.Context) ([]models.BatchLock, error) {
	var locks []models.BatchLock
	err := s.db.WithContext(ctx).Order("locked_at DESC").Find(&locks).Error
	return locks, err
}

func (s *BatchLockService) find(ctx context.Context, name string) (*models.BatchLock, error) {
	var lock models.BatchLock
	err := s.db.WithContext(ctx).Where("lock_name = ?", name).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lock %s: %w", name, err)
	}
	return &lock, nil
}

// insert reports false when another caller inserted the same name first.
func (s *BatchLockService) insert(ctx context.Context, name, policy, lockType, description string) (bool, error) {
	now := s.now()
	lock := models.BatchLock{
		LockName:    name,
		LockPolicy:  policy,
		LockType:    lockType,
		Description: description,
		LockedAt:    now,
		Hostname:    s.hostname,
		DBSchema:    "public",
	}
	if policy == models.LockPolicyTimed {
		expires := now.Add(s.ttl)
		lock.ExpiresAt = &expires
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("insert lock %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		logger.Warn().Str("lock", name).Msg("[BatchLock] lost insert race")
		return false, nil
	}

	logger.Info().Str("lock", name).Str("policy", policy).Str("type", lockType).Msg("[BatchLock] lock acquired")
	return true, nil
}
