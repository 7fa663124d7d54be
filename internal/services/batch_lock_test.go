package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/internal/testutil"
)

func newTestLockService(t *testing.T) *BatchLockService {
	t.Helper()
	cfg := config.DefaultConfig().Batch
	cfg.WaitRetryInterval = 10 * time.Millisecond
	s := NewBatchLockService(testutil.NewDB(t), &cfg)
	s.hostname = "host-a"
	return s
}

func TestBatchLock_ExclusiveBlocksUntilRelease(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	for _, policy := range []string{models.LockPolicyExclusive, models.LockPolicyFailFast} {
		t.Run(policy, func(t *testing.T) {
			ok, err := s.Acquire(ctx, "DAILY_STATS", policy, "STATS", "daily")
			if err != nil || !ok {
				t.Fatalf("first Acquire() = %v, %v", ok, err)
			}
			ok, _ = s.Acquire(ctx, "DAILY_STATS", policy, "STATS", "daily")
			if ok {
				t.Error("second Acquire() should fail while held")
			}

			s.Release(ctx, "DAILY_STATS")
			ok, _ = s.Acquire(ctx, "DAILY_STATS", policy, "STATS", "daily")
			if !ok {
				t.Error("Acquire() after Release() should succeed")
			}
			s.Release(ctx, "DAILY_STATS")
		})
	}
}

func TestBatchLock_Reentrant(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	if ok, _ := s.Acquire(ctx, "R", models.LockPolicyReentrant, "", ""); !ok {
		t.Fatal("initial Acquire() failed")
	}
	if ok, _ := s.Acquire(ctx, "R", models.LockPolicyReentrant, "", ""); !ok {
		t.Error("same host should re-enter")
	}

	s.hostname = "host-b"
	if ok, _ := s.Acquire(ctx, "R", models.LockPolicyReentrant, "", ""); ok {
		t.Error("other host must not re-enter")
	}
}

func TestBatchLock_TimedReclaimsExpired(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	stale := models.BatchLock{
		LockName:   "T",
		LockPolicy: models.LockPolicyExclusive,
		LockedAt:   past.Add(-10 * time.Minute),
		ExpiresAt:  &past,
		Hostname:   "host-z",
	}
	if err := s.db.Create(&stale).Error; err != nil {
		t.Fatal(err)
	}

	ok, err := s.Acquire(ctx, "T", models.LockPolicyTimed, "", "")
	if err != nil || !ok {
		t.Fatalf("Acquire() over expired lock = %v, %v", ok, err)
	}

	var row models.BatchLock
	s.db.First(&row, "lock_name = ?", "T")
	if row.Hostname != "host-a" || row.ExpiresAt == nil || !row.ExpiresAt.After(time.Now()) {
		t.Errorf("lock should be replaced by a fresh row, got %+v", row)
	}

	if ok, _ := s.Acquire(ctx, "T", models.LockPolicyTimed, "", ""); ok {
		t.Error("unexpired TIMED lock must not be reclaimed")
	}
}

func TestBatchLock_WaitRetry(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	s.Acquire(ctx, "W", models.LockPolicyExclusive, "", "")
	start := time.Now()
	ok, err := s.Acquire(ctx, "W", models.LockPolicyWaitRetry, "", "")
	if err != nil || ok {
		t.Fatalf("Acquire() on held lock = %v, %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 5*10*time.Millisecond {
		t.Errorf("WAIT_RETRY returned after %v, expected at least 5 polls", elapsed)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		s.Release(context.Background(), "W")
	}()
	ok, err = s.Acquire(ctx, "W", models.LockPolicyWaitRetry, "", "")
	if err != nil || !ok {
		t.Errorf("Acquire() after release = %v, %v", ok, err)
	}
}

func TestBatchLock_DistributedNeverSucceeds(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	s.Acquire(ctx, "D", models.LockPolicyExclusive, "", "")
	if ok, _ := s.Acquire(ctx, "D", models.LockPolicyDistributed, "", ""); ok {
		t.Error("DISTRIBUTED must report failure")
	}
}

func TestBatchLock_ReleaseMissingIsSilent(t *testing.T) {
	s := newTestLockService(t)
	s.Release(context.Background(), "never-held")
}

func TestBatchLock_WithLockReleasesOnEveryPath(t *testing.T) {
	s := newTestLockService(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithLock(ctx, "L", models.LockPolicyExclusive, "", "", func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("WithLock() = %v, expected %v", err, boom)
	}

	func() {
		defer func() { recover() }()
		s.WithLock(ctx, "L", models.LockPolicyExclusive, "", "", func(ctx context.Context) error { panic("crash") })
	}()

	locks, _ := s.List(ctx)
	if len(locks) != 0 {
		t.Errorf("locks left behind: %+v", locks)
	}

	s.Acquire(ctx, "L", models.LockPolicyExclusive, "", "")
	err = s.WithLock(ctx, "L", models.LockPolicyExclusive, "", "", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Errorf("WithLock() on held lock = %v, expected ErrLockNotAcquired", err)
	}
	if kind, _ := KindOf(err); kind != FailureNonCritical {
		t.Errorf("kind = %s, expected NON_CRITICAL", kind)
	}
}
