package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	locker, err := NewRedisLocker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis locker: %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })
	return locker, s
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, _ := setupTestRedis(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "issue:rev-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "issue:rev-1", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "issue:rev-2", time.Minute); err != nil {
		t.Fatalf("other keys must not be blocked: %v", err)
	}

	if err := locker.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "issue:rev-1", time.Minute); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestRedisLockerExpiredLeaseCannotReleaseSuccessor(t *testing.T) {
	locker, s := setupTestRedis(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "issue:rev-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.FastForward(2 * time.Second)

	successor, err := locker.Acquire(ctx, "issue:rev-1", time.Minute)
	if err != nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}
	if err := locker.Release(ctx, stale); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if got, _ := s.Get(successor.Key); got != successor.Token {
		t.Fatalf("successor lease was removed by stale release")
	}
}

func TestNewRedisLockerRejectsBadURL(t *testing.T) {
	if _, err := NewRedisLocker("not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker()
	locker.now = func() time.Time { return now }

	lease, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	next, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be replaceable: %v", err)
	}
	_ = locker.Release(ctx, lease)
	if _, err := locker.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("stale release must not free the successor, got %v", err)
	}
	_ = locker.Release(ctx, next)
	if _, err := locker.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expected acquire after release: %v", err)
	}
}
