package locker

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryAcquireRelease(t *testing.T) {
	locks := NewMemory()

	release, errAcquire := locks.Acquire(context.Background(), "user:1")
	if errAcquire != nil {
		t.Fatalf("acquire: %v", errAcquire)
	}

	if _, errSecond := locks.Acquire(context.Background(), "user:1"); !errors.Is(errSecond, ErrLocked) {
		t.Fatalf("expected ErrLocked for held key, got %v", errSecond)
	}

	// Other keys are independent.
	releaseOther, errOther := locks.Acquire(context.Background(), "user:2")
	if errOther != nil {
		t.Fatalf("acquire other key: %v", errOther)
	}
	releaseOther()

	release()
	releaseAgain, errAgain := locks.Acquire(context.Background(), "user:1")
	if errAgain != nil {
		t.Fatalf("re-acquire after release: %v", errAgain)
	}
	releaseAgain()
}
