package projection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

func openTestManager(t *testing.T) (dcb.EventStore, *Manager, dcb.Options) {
	t.Helper()
	opts := dcb.DefaultOptions()
	opts.RootPath = filepath.Join(t.TempDir(), "store")
	opts.Context = "school"
	opts.BatchSize = 2

	es, err := dcb.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("dcb.Open: %v", err)
	}
	return es, NewManager(es, opts), opts
}

func enrollmentsDefinition() Definition {
	return Definition{
		Name:       "enrollments",
		EventTypes: []string{"StudentEnrolled"},
		KeySelector: func(e dcb.Event) string {
			for _, tg := range e.Tags {
				if tg.GetKey() == "course_id" {
					return tg.GetValue()
				}
			}
			return ""
		},
		InitialState: new(int),
		NewState:     func() any { return new(int) },
		Apply: func(current any, _ dcb.Event) any {
			n := current.(*int)
			*n++
			return n
		},
	}
}

func TestManagerRegisterRejectsInvalidDefinition(t *testing.T) {
	_, m, _ := openTestManager(t)
	err := m.Register(Definition{})
	if !dcb.IsValidationError(err) {
		t.Fatalf("expected a ValidationError for an empty definition, got %v", err)
	}
}

func TestManagerRegisterRejectsDuplicateName(t *testing.T) {
	_, m, _ := openTestManager(t)
	def := enrollmentsDefinition()
	if err := m.Register(def); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := m.Register(def)
	if !dcb.IsValidationError(err) {
		t.Fatalf("expected a ValidationError for a duplicate name, got %v", err)
	}
}

func TestManagerRegisterRejectsMixedApplyAndRelatedEventsQuery(t *testing.T) {
	_, m, _ := openTestManager(t)
	def := enrollmentsDefinition()
	def.RelatedEventsQuery = func(dcb.Event) dcb.Query { return dcb.NewQueryAll() }
	if err := m.Register(def); !dcb.IsValidationError(err) {
		t.Fatalf("expected a ValidationError for mixed Apply/RelatedEventsQuery, got %v", err)
	}
}

func TestManagerRebuildOneReplaysMatchingEvents(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()

	es.Append(ctx, dcb.NewEventBatch(
		dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil),
		dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil),
		dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c2"), nil),
	), nil)

	if err := m.Register(enrollmentsDefinition()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := m.RebuildOne(ctx, "enrollments")
	if err != nil {
		t.Fatalf("RebuildOne: %v", err)
	}
	if !result.Success || result.EventsProcessed != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rp, _ := m.lookup("enrollments")
	raw, found, err := rp.store.Get("c1")
	if err != nil || !found {
		t.Fatalf("expected c1 to have been projected: found=%v err=%v", found, err)
	}
	if string(raw) != "2" {
		t.Errorf("c1 projected state = %s, want 2", raw)
	}

	cp, _ := m.GetCheckpoint("enrollments")
	if cp != 3 {
		t.Errorf("checkpoint after RebuildOne = %d, want 3", cp)
	}
}

func TestManagerRebuildOneRejectsConcurrentRebuild(t *testing.T) {
	_, m, _ := openTestManager(t)
	m.Register(enrollmentsDefinition())

	rp, _ := m.lookup("enrollments")
	rp.mu.Lock()
	defer rp.mu.Unlock()

	_, err := m.RebuildOne(context.Background(), "enrollments")
	if !dcb.IsProjectionBusyError(err) {
		t.Fatalf("expected a ProjectionBusyError while another rebuild holds the lock, got %v", err)
	}
}

func TestManagerRebuildRejectsNilNames(t *testing.T) {
	_, m, _ := openTestManager(t)
	_, err := m.Rebuild(context.Background(), nil)
	if !dcb.IsValidationError(err) {
		t.Fatalf("expected a ValidationError for nil names, got %v", err)
	}
}

func TestManagerRebuildAllOnlyRebuildsZeroCheckpointProjectionsByDefault(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)

	m.Register(enrollmentsDefinition())
	m.SaveCheckpoint("enrollments", 1)

	summary, err := m.RebuildAll(ctx, false)
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if len(summary.Details) != 0 {
		t.Errorf("expected a caught-up projection to be skipped, got %+v", summary.Details)
	}
}

func TestManagerRebuildAllForceRebuildsEverything(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)

	m.Register(enrollmentsDefinition())
	m.SaveCheckpoint("enrollments", 1)

	summary, err := m.RebuildAll(ctx, true)
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if summary.TotalRebuilt != 1 {
		t.Errorf("TotalRebuilt = %d, want 1", summary.TotalRebuilt)
	}
}

func TestManagerUpdateSkipsBusyProjectionWithoutFailing(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	m.Register(enrollmentsDefinition())

	rp, _ := m.lookup("enrollments")
	rp.mu.Lock()

	events, _ := es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)
	err := m.Update(ctx, events)
	rp.mu.Unlock()

	if err != nil {
		t.Fatalf("Update should never fail just because a projection is busy: %v", err)
	}
	cp, _ := m.GetCheckpoint("enrollments")
	if cp != 0 {
		t.Errorf("checkpoint should be unchanged while busy, got %d", cp)
	}
}

func TestManagerUpdateAdvancesCheckpointOnSuccess(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	m.Register(enrollmentsDefinition())

	events, _ := es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)
	if err := m.Update(ctx, events); err != nil {
		t.Fatalf("Update: %v", err)
	}
	cp, _ := m.GetCheckpoint("enrollments")
	if cp != events[0].Position {
		t.Errorf("checkpoint = %d, want %d", cp, events[0].Position)
	}
}

func TestManagerUpdateAdvancesCheckpointToBatchTailEvenWithNoMatchingEvents(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	m.Register(enrollmentsDefinition())

	events, _ := es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("Unrelated", nil, nil)), nil)
	if err := m.Update(ctx, events); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// A projection whose EventTypes don't occur in this batch still has
	// nothing left to catch up on: its checkpoint must advance to the
	// batch's tail so MinCheckpoint moves and the daemon doesn't re-read
	// the same window forever.
	cp, _ := m.GetCheckpoint("enrollments")
	if cp != events[len(events)-1].Position {
		t.Errorf("checkpoint = %d, want %d (batch tail)", cp, events[len(events)-1].Position)
	}
}

func TestManagerUpdateAdvancesCheckpointToBatchTailNotJustFilteredTail(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	m.Register(enrollmentsDefinition())

	events, _ := es.Append(ctx, dcb.NewEventBatch(
		dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil),
		dcb.NewInputEvent("Unrelated", nil, nil),
	), nil)
	if err := m.Update(ctx, events); err != nil {
		t.Fatalf("Update: %v", err)
	}
	cp, _ := m.GetCheckpoint("enrollments")
	if cp != events[1].Position {
		t.Errorf("checkpoint = %d, want %d (full batch tail, not the filtered subset's last position)", cp, events[1].Position)
	}
}

func TestManagerMultiStreamApplyWithRelatedReceivesResolvedEvents(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()

	es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("CourseDefined", dcb.NewTags("course_id", "c1"), []byte(`{"maxStudents":2}`))), nil)

	def := Definition{
		Name:       "capacity-check",
		EventTypes: []string{"StudentEnrolled"},
		KeySelector: func(e dcb.Event) string {
			for _, tg := range e.Tags {
				if tg.GetKey() == "course_id" {
					return tg.GetValue()
				}
			}
			return ""
		},
		InitialState: "",
		NewState:     func() any { s := ""; return &s },
		RelatedEventsQuery: func(e dcb.Event) dcb.Query {
			var courseID string
			for _, tg := range e.Tags {
				if tg.GetKey() == "course_id" {
					courseID = tg.GetValue()
				}
			}
			return dcb.NewQuery(dcb.NewTags("course_id", courseID), "CourseDefined")
		},
		ApplyWithRelated: func(current any, _ dcb.Event, related []dcb.Event) (any, error) {
			if len(related) == 0 {
				return nil, errors.New("capacity-check requires a CourseDefined event")
			}
			return "checked", nil
		},
	}
	if err := m.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	events, _ := es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)
	if err := m.Update(ctx, events); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rp, _ := m.lookup("capacity-check")
	raw, found, _ := rp.store.Get("c1")
	if !found || string(raw) != `"checked"` {
		t.Errorf("expected projected state \"checked\", got found=%v raw=%s", found, raw)
	}
}

func TestManagerRebuildManyRunsProjectionsConcurrentlyWithoutRaces(t *testing.T) {
	es, m, _ := openTestManager(t)
	ctx := context.Background()
	es.Append(ctx, dcb.NewEventBatch(dcb.NewInputEvent("StudentEnrolled", dcb.NewTags("course_id", "c1"), nil)), nil)

	var names []string
	for i := 0; i < 5; i++ {
		def := enrollmentsDefinition()
		def.Name = def.Name + "-" + string(rune('a'+i))
		m.Register(def)
		names = append(names, def.Name)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Rebuild(ctx, names)
	}()
	wg.Wait()

	status := m.GetRebuildStatus()
	if status.IsRebuilding {
		t.Error("rebuild status should be cleared once Rebuild returns")
	}
}
