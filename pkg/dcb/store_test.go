package dcb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) EventStore {
	t.Helper()
	opts := DefaultOptions()
	opts.RootPath = filepath.Join(t.TempDir(), "store")
	opts.Context = "orders"
	es, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return es
}

func TestAppendAssignsAscendingPositions(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	events, err := es.Append(ctx, NewEventBatch(
		NewInputEvent("OrderPlaced", NewTags("order_id", "o1"), []byte(`{}`)),
		NewInputEvent("OrderShipped", NewTags("order_id", "o1"), []byte(`{}`)),
	), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(events) != 2 || events[0].Position != 1 || events[1].Position != 2 {
		t.Fatalf("unexpected positions: %+v", events)
	}
}

func TestReadFiltersByTagAndType(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	es.Append(ctx, NewEventBatch(NewInputEvent("OrderPlaced", NewTags("order_id", "o1"), nil)), nil)
	es.Append(ctx, NewEventBatch(NewInputEvent("OrderPlaced", NewTags("order_id", "o2"), nil)), nil)
	es.Append(ctx, NewEventBatch(NewInputEvent("OrderShipped", NewTags("order_id", "o1"), nil)), nil)

	got, err := es.Read(ctx, NewQuery(NewTags("order_id", "o1"), "OrderPlaced"), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || got[0].Position != 1 {
		t.Fatalf("unexpected read result: %+v", got)
	}
}

func TestReadDescendingReturnsHighestPositionFirst(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		es.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)
	}

	got, err := es.Read(ctx, NewQuery(nil, "Tick"), &ReadOptions{Descending: true})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 5 || got[0].Position != 5 || got[4].Position != 1 {
		t.Fatalf("expected descending 5..1, got %+v", positionsOf(got))
	}
}

func TestReadLimitTruncatesResults(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		es.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)
	}
	got, err := es.Read(ctx, NewQuery(nil, "Tick"), &ReadOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Limit: 3 returned %d events", len(got))
	}
}

func TestReadAfterPositionExcludesAlreadySeen(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		es.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)
	}
	got, err := es.Read(ctx, NewQuery(nil, "Tick"), &ReadOptions{AfterPosition: 3})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0].Position != 4 {
		t.Fatalf("expected positions 4,5 got %+v", positionsOf(got))
	}
}

func TestAppendConditionFailsWhenMatchingEventExistsAfterBoundary(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	es.Append(ctx, NewEventBatch(NewInputEvent("CourseDefined", NewTags("course_id", "c1"), nil)), nil)

	cond := NewAppendCondition(NewQuery(NewTags("course_id", "c1"), "CourseDefined"), 0)
	_, err := es.Append(ctx, NewEventBatch(NewInputEvent("CourseDefined", NewTags("course_id", "c1"), nil)), cond)
	if !IsConcurrencyError(err) {
		t.Fatalf("expected a ConcurrencyError, got %v", err)
	}
}

func TestAppendConditionSucceedsWhenBoundaryIsCurrent(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()

	events, _ := es.Append(ctx, NewEventBatch(NewInputEvent("CourseDefined", NewTags("course_id", "c1"), nil)), nil)
	head := events[0].Position

	cond := NewAppendCondition(NewQuery(NewTags("course_id", "c1"), "CourseDefined"), head)
	_, err := es.Append(ctx, NewEventBatch(NewInputEvent("CapacityChanged", NewTags("course_id", "c1"), nil)), cond)
	if err != nil {
		t.Fatalf("Append with a current boundary should succeed: %v", err)
	}
}

func TestAppendRejectsEmptyBatch(t *testing.T) {
	es := openTestStore(t)
	_, err := es.Append(context.Background(), nil, nil)
	if !IsValidationError(err) {
		t.Fatalf("expected a ValidationError for an empty batch, got %v", err)
	}
}

func TestHeadTracksLastAppendedPosition(t *testing.T) {
	es := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		es.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)
	}
	head, err := es.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != 3 {
		t.Errorf("Head() = %d, want 3", head)
	}
}

func TestReadLastReturnsNilWhenNothingMatches(t *testing.T) {
	es := openTestStore(t)
	got, err := es.ReadLast(context.Background(), NewQuery(nil, "Nonexistent"))
	if err != nil {
		t.Fatalf("ReadLast: %v", err)
	}
	if got != nil {
		t.Errorf("ReadLast() = %+v, want nil", got)
	}
}

func TestRecoveryTruncatesEventFileOrphanedAboveLedger(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	opts := DefaultOptions()
	opts.RootPath = root
	opts.Context = "orders"

	es, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	es.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)

	// Simulate a crash between writing the event file and committing the
	// ledger: write position 2's event file directly without advancing
	// ledger.dat past 1.
	contextDir := ContextDir(opts)
	orphanPath := eventFilePath(contextDir, 2)
	os.MkdirAll(filepath.Dir(orphanPath), 0o755)
	if err := os.WriteFile(orphanPath, []byte(`{"id":"x","type":"Orphan","tags":{},"data":null,"timestamp":"","causationId":"","correlationId":""}`), 0o644); err != nil {
		t.Fatalf("writing orphan event file: %v", err)
	}

	reopened, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("re-Open after simulated crash: %v", err)
	}
	head, _ := reopened.Head(ctx)
	if head != 1 {
		t.Errorf("Head() after recovery = %d, want 1 (orphan truncated)", head)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Errorf("orphaned event file at position 2 should have been removed")
	}

	// The ledger must still be able to reserve position 2 next, not skip to 3.
	events, err := reopened.Append(ctx, NewEventBatch(NewInputEvent("Tick", nil, nil)), nil)
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if events[0].Position != 2 {
		t.Errorf("first Append after recovery got position %d, want 2", events[0].Position)
	}
}

func positionsOf(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Position
	}
	return out
}
