package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/majormartintibor/dcbstore/internal/diag"
	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

var errAlreadyRebuilding = errors.New("projection is already being rebuilt or updated")

// registeredProjection pairs a Definition with its own store and its own
// lock, so one busy projection never blocks another (spec.md §4.9).
type registeredProjection struct {
	def   Definition
	store *Store
	mu    sync.Mutex
}

// Manager is C10: the registry of projection definitions, their
// checkpoints, and the rebuild/update operations that drive them.
type Manager struct {
	es         dcb.EventStore
	contextDir string
	flush      bool
	batchSize  int
	maxConcurrentRebuilds int

	checkpoints *CheckpointStore

	mu            sync.Mutex
	projections   map[string]*registeredProjection
	rebuildStatus RebuildStatus
}

// NewManager creates a Manager sharing opts' store context directory and
// durability policy, so projection state lives alongside the event log it
// derives from.
func NewManager(es dcb.EventStore, opts dcb.Options) *Manager {
	dir := dcb.ContextDir(opts)
	flush := opts.Durability == dcb.FlushImmediately
	return &Manager{
		es:                    es,
		contextDir:            dir,
		flush:                 flush,
		batchSize:             opts.BatchSize,
		maxConcurrentRebuilds: opts.MaxConcurrentRebuilds,
		checkpoints:           NewCheckpointStore(dir, flush),
		projections:           make(map[string]*registeredProjection),
	}
}

// Register adds def to the registry. Registration is single-shot:
// registering the same name twice is a validation error.
func (m *Manager) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Manager.Register", Err: err},
			Field:           "definition",
			Value:           def.Name,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projections[def.Name]; exists {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Manager.Register", Err: fmt.Errorf("projection %q already registered", def.Name)},
			Field:           "name",
			Value:           def.Name,
		}
	}

	store, err := OpenStore(m.contextDir, def.Name, m.flush)
	if err != nil {
		return err
	}
	m.projections[def.Name] = &registeredProjection{def: def, store: store}
	return nil
}

func (m *Manager) lookup(name string) (*registeredProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.projections[name]
	if !ok {
		return nil, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Manager", Err: fmt.Errorf("projection %q is not registered", name)},
			Field:           "name",
			Value:           name,
		}
	}
	return rp, nil
}

// GetCheckpoint returns name's last processed position.
func (m *Manager) GetCheckpoint(name string) (int64, error) {
	return m.checkpoints.Get(name)
}

// SaveCheckpoint overwrites name's checkpoint.
func (m *Manager) SaveCheckpoint(name string, position int64) error {
	return m.checkpoints.Save(name, position)
}

// MinCheckpoint returns the lowest checkpoint across every registered
// projection, or 0 if none are registered; the daemon uses this to find
// the next position it needs to read from.
func (m *Manager) MinCheckpoint(ctx context.Context) (int64, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.projections))
	for name := range m.projections {
		names = append(names, name)
	}
	m.mu.Unlock()

	if len(names) == 0 {
		return 0, nil
	}

	min := int64(-1)
	for _, name := range names {
		cp, err := m.checkpoints.Get(name)
		if err != nil {
			return 0, err
		}
		if min == -1 || cp < min {
			min = cp
		}
	}
	return min, nil
}

// RebuildOne rebuilds a single projection from scratch: its indices are
// dropped, its checkpoint reset to 0, then every matching event is
// replayed in ascending order in batches of BatchSize. A concurrent
// rebuild or update on the same projection fails fast with
// *dcb.ProjectionBusyError.
func (m *Manager) RebuildOne(ctx context.Context, name string) (RebuildResult, error) {
	rp, err := m.lookup(name)
	if err != nil {
		return RebuildResult{}, err
	}

	if !rp.mu.TryLock() {
		return RebuildResult{}, &dcb.ProjectionBusyError{
			EventStoreError: dcb.EventStoreError{Op: "Manager.RebuildOne", Err: errAlreadyRebuilding},
			Projection:      name,
		}
	}
	defer rp.mu.Unlock()

	m.moveToInProgress(name)
	defer m.markDone(name)

	start := time.Now()
	result := RebuildResult{Name: name}

	if err := rp.store.DeleteAllIndices(); err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}
	if err := m.checkpoints.Save(name, 0); err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}

	query := dcb.NewQuery(nil, rp.def.EventTypes...)
	var after int64
	processed := 0

	for {
		events, err := m.es.Read(ctx, query, &dcb.ReadOptions{AfterPosition: after, Limit: m.batchSize})
		if err != nil {
			result.ErrorMessage = err.Error()
			return result, err
		}
		if len(events) == 0 {
			break
		}

		for _, e := range events {
			if err := m.applyEvent(ctx, rp, e); err != nil {
				result.ErrorMessage = err.Error()
				return result, err
			}
			processed++
		}

		after = events[len(events)-1].Position
		if err := m.checkpoints.Save(name, after); err != nil {
			result.ErrorMessage = err.Error()
			return result, err
		}
		if len(events) < m.batchSize {
			break
		}
	}

	result.Success = true
	result.Duration = time.Since(start)
	result.EventsProcessed = processed
	return result, nil
}

// Rebuild rebuilds exactly the named projections, bounded by
// MaxConcurrentRebuilds. A nil slice is a validation error; an empty one
// is a no-op.
func (m *Manager) Rebuild(ctx context.Context, names []string) (RebuildSummary, error) {
	if names == nil {
		return RebuildSummary{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Manager.Rebuild", Err: errors.New("names must not be nil")},
			Field:           "names",
			Value:           "nil",
		}
	}
	return m.rebuildMany(ctx, names), nil
}

// RebuildAll rebuilds every projection whose checkpoint is 0, or every
// registered projection when forceRebuild is true.
func (m *Manager) RebuildAll(ctx context.Context, forceRebuild bool) (RebuildSummary, error) {
	m.mu.Lock()
	all := make([]string, 0, len(m.projections))
	for name := range m.projections {
		all = append(all, name)
	}
	m.mu.Unlock()

	if forceRebuild {
		return m.rebuildMany(ctx, all), nil
	}

	var names []string
	for _, name := range all {
		cp, err := m.checkpoints.Get(name)
		if err != nil {
			return RebuildSummary{}, err
		}
		if cp == 0 {
			names = append(names, name)
		}
	}
	return m.rebuildMany(ctx, names), nil
}

// rebuildMany runs RebuildOne for every name with bounded concurrency; one
// projection's failure never cancels the others.
func (m *Manager) rebuildMany(ctx context.Context, names []string) RebuildSummary {
	start := time.Now()
	m.markQueued(names)

	sem := semaphore.NewWeighted(int64(max(1, m.maxConcurrentRebuilds)))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	details := make([]RebuildResult, 0, len(names))
	var failed []string

	for _, name := range names {
		name := name
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			result, err := m.RebuildOne(ctx, name)
			if result.Name == "" {
				result.Name = name
			}
			mu.Lock()
			details = append(details, result)
			if err != nil || !result.Success {
				failed = append(failed, name)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return RebuildSummary{
		TotalRebuilt:      len(details) - len(failed),
		Duration:          time.Since(start),
		Details:           details,
		FailedProjections: failed,
	}
}

// Update is called by the Daemon with a batch of newly visible events. For
// each registered projection it filters by EventTypes, tries the
// per-projection lock without blocking, and skips (not queues, not fails)
// a projection currently busy rebuilding. On success the checkpoint always
// advances to the full batch's tail position — even when this projection's
// EventTypes matched nothing in the batch — so a projection that simply has
// nothing to do this cycle does not stall MinCheckpoint and force the
// daemon to re-read and re-apply the same window forever. A failed update
// is logged and the checkpoint is left where it was, so a later rebuild can
// resolve it.
func (m *Manager) Update(ctx context.Context, events []dcb.Event) error {
	if len(events) == 0 {
		return nil
	}
	tail := events[len(events)-1].Position

	m.mu.Lock()
	projections := make([]*registeredProjection, 0, len(m.projections))
	for _, rp := range m.projections {
		projections = append(projections, rp)
	}
	m.mu.Unlock()

	for _, rp := range projections {
		filtered := filterByEventTypes(events, rp.def.EventTypes)
		if !rp.mu.TryLock() {
			diag.WithComponent("projection.manager").Debug().
				Str("projection", rp.def.Name).
				Msg("skipping update, projection busy")
			continue
		}
		err := m.applyBatch(ctx, rp, filtered, tail)
		rp.mu.Unlock()
		if err != nil {
			diag.WithComponent("projection.manager").Warn().
				Str("projection", rp.def.Name).
				Err(err).
				Msg("projection update failed, checkpoint not advanced")
		}
	}
	return nil
}

// applyBatch applies filtered (this projection's matching subset of the
// batch, possibly empty) and, if that succeeds, advances the checkpoint to
// tail regardless of whether filtered was empty.
func (m *Manager) applyBatch(ctx context.Context, rp *registeredProjection, filtered []dcb.Event, tail int64) error {
	for _, e := range filtered {
		if err := m.applyEvent(ctx, rp, e); err != nil {
			return err
		}
	}
	return m.checkpoints.Save(rp.def.Name, tail)
}

func filterByEventTypes(events []dcb.Event, eventTypes []string) []dcb.Event {
	if len(eventTypes) == 0 {
		return events
	}
	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}
	out := make([]dcb.Event, 0, len(events))
	for _, e := range events {
		if wanted[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// applyEvent computes key, loads prior state, resolves related events for
// a multi-stream projection, calls Apply/ApplyWithRelated, and saves or
// deletes the result.
func (m *Manager) applyEvent(ctx context.Context, rp *registeredProjection, event dcb.Event) error {
	key := rp.def.KeySelector(event)
	current, err := m.loadState(rp, key)
	if err != nil {
		return err
	}

	var next any
	if rp.def.isMultiStream() {
		var related []dcb.Event
		if q := rp.def.RelatedEventsQuery(event); q != nil {
			related, err = m.es.Read(ctx, q, nil)
			if err != nil {
				return err
			}
		}
		next, err = rp.def.ApplyWithRelated(current, event, related)
		if err != nil {
			return err
		}
	} else {
		next = rp.def.Apply(current, event)
	}

	if next == nil {
		return rp.store.Delete(key)
	}

	var tags []dcb.Tag
	if rp.def.TagProvider != nil {
		tags = rp.def.TagProvider(next)
	}
	return rp.store.Save(key, next, tags)
}

func (m *Manager) loadState(rp *registeredProjection, key string) (any, error) {
	raw, found, err := rp.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return rp.def.InitialState, nil
	}

	var target any
	if rp.def.NewState != nil {
		target = rp.def.NewState()
	} else {
		target = &map[string]any{}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, &dcb.CorruptedEntityError{
			EventStoreError: dcb.EventStoreError{Op: "Manager.loadState", Err: err},
			Projection:      rp.def.Name,
			Key:             key,
		}
	}
	return target, nil
}

// GetRebuildStatus snapshots current rebuild activity.
func (m *Manager) GetRebuildStatus() RebuildStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := RebuildStatus{
		IsRebuilding: m.rebuildStatus.IsRebuilding,
		InProgress:   append([]string(nil), m.rebuildStatus.InProgress...),
		Queued:       append([]string(nil), m.rebuildStatus.Queued...),
	}
	if m.rebuildStatus.StartedAt != nil {
		started := *m.rebuildStatus.StartedAt
		status.StartedAt = &started
	}
	return status
}

func (m *Manager) markQueued(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildStatus.Queued = append(m.rebuildStatus.Queued, names...)
	m.rebuildStatus.IsRebuilding = len(m.rebuildStatus.Queued) > 0 || len(m.rebuildStatus.InProgress) > 0
	if m.rebuildStatus.StartedAt == nil && m.rebuildStatus.IsRebuilding {
		now := time.Now()
		m.rebuildStatus.StartedAt = &now
	}
}

func (m *Manager) moveToInProgress(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildStatus.Queued = removeString(m.rebuildStatus.Queued, name)
	m.rebuildStatus.InProgress = append(m.rebuildStatus.InProgress, name)
	m.rebuildStatus.IsRebuilding = true
	if m.rebuildStatus.StartedAt == nil {
		now := time.Now()
		m.rebuildStatus.StartedAt = &now
	}
}

func (m *Manager) markDone(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildStatus.InProgress = removeString(m.rebuildStatus.InProgress, name)
	if len(m.rebuildStatus.InProgress) == 0 && len(m.rebuildStatus.Queued) == 0 {
		m.rebuildStatus.IsRebuilding = false
		m.rebuildStatus.StartedAt = nil
	}
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
