package dcb

import (
	"errors"
	"testing"
)

func TestIsConcurrencyError(t *testing.T) {
	t.Run("detects ConcurrencyError correctly", func(t *testing.T) {
		err := &ConcurrencyError{
			EventStoreError: EventStoreError{Op: "test", Err: errors.New("condition violated")},
			AfterPosition:   42,
		}
		if !IsConcurrencyError(err) {
			t.Error("IsConcurrencyError should return true for ConcurrencyError")
		}
	})

	t.Run("returns false for unrelated error", func(t *testing.T) {
		if IsConcurrencyError(errors.New("boom")) {
			t.Error("IsConcurrencyError should return false for a plain error")
		}
	})

	t.Run("unwraps through errors.Join wrapping", func(t *testing.T) {
		base := &ConcurrencyError{EventStoreError: EventStoreError{Op: "Append"}}
		wrapped := errors.Join(errors.New("context"), base)
		if !IsConcurrencyError(wrapped) {
			t.Error("IsConcurrencyError should see through errors.Join")
		}
	})
}

func TestIsTimeoutError(t *testing.T) {
	err := &TimeoutError{
		EventStoreError: EventStoreError{Op: "Acquire", Err: errors.New("lock busy")},
		LockPath:        "/tmp/x/.store.lock",
		Waited:          "10s",
	}
	if !IsTimeoutError(err) {
		t.Error("IsTimeoutError should return true for TimeoutError")
	}
	extracted, ok := AsTimeoutError(err)
	if !ok || extracted.LockPath != "/tmp/x/.store.lock" {
		t.Error("AsTimeoutError should extract the original error")
	}
}

func TestIsIntegrityError(t *testing.T) {
	err := &IntegrityError{
		EventStoreError: EventStoreError{Op: "Open"},
		LedgerPosition:  10,
		HighestOnDisk:   12,
	}
	if !IsIntegrityError(err) {
		t.Error("IsIntegrityError should return true for IntegrityError")
	}
}

func TestEventStoreErrorMessage(t *testing.T) {
	t.Run("includes wrapped error", func(t *testing.T) {
		e := &EventStoreError{Op: "Append", Err: errors.New("disk full")}
		if e.Error() != "Append: disk full" {
			t.Errorf("unexpected message: %q", e.Error())
		}
	})

	t.Run("falls back to Op alone", func(t *testing.T) {
		e := &EventStoreError{Op: "Append"}
		if e.Error() != "Append" {
			t.Errorf("unexpected message: %q", e.Error())
		}
	})
}
