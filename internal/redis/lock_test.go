package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T, ttl time.Duration) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDoctorLocker(client, ttl), mr
}

func TestWithDoctorLockRunsFn(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second)

	ran := false
	err := locker.WithDoctorLock(context.Background(), uuid.New(), time.Now(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithDoctorLock: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}

func TestWithDoctorLockReleasesAfterFn(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	err := locker.WithDoctorLock(context.Background(), doctorID, day, func(ctx context.Context) error {
		if len(mr.Keys()) != 1 {
			t.Errorf("expected lock key to exist during fn, keys: %v", mr.Keys())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithDoctorLock: %v", err)
	}

	if len(mr.Keys()) != 0 {
		t.Fatalf("lock key leaked after fn: %v", mr.Keys())
	}
}

func TestWithDoctorLockSerializesSameDoctorDay(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second)
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)

	go func() {
		firstDone <- locker.WithDoctorLock(context.Background(), doctorID, day, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	// second caller polls until the first releases, then proceeds
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- locker.WithDoctorLock(context.Background(), doctorID, day, func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second caller finished while lock held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first caller: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second caller after release: %v", err)
	}
}

func TestWithDoctorLockDifferentDaysDoNotContend(t *testing.T) {
	locker, _ := newTestLocker(t, time.Second)
	doctorID := uuid.New()
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tuesday := monday.AddDate(0, 0, 1)

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = locker.WithDoctorLock(context.Background(), doctorID, monday, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- locker.WithDoctorLock(context.Background(), doctorID, tuesday, func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tuesday lock: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("different day contended with held lock")
	}
}

func TestWithDoctorLockTimesOut(t *testing.T) {
	locker, _ := newTestLocker(t, 150*time.Millisecond)
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithDoctorLock(context.Background(), doctorID, day, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	err := locker.WithDoctorLock(context.Background(), doctorID, day, func(ctx context.Context) error {
		t.Error("fn ran without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("err = %v, want ErrLockNotAcquired", err)
	}
}
