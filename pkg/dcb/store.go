package dcb

import (
	"context"
	"os"
	"time"

	"github.com/majormartintibor/dcbstore/internal/diag"
)

// eventStore is the concrete EventStore. All of its fields are themselves
// small, independently testable components (C1-C6); this file wires them
// together and owns the read/write protocol described in spec.md §4.6.
type eventStore struct {
	contextDir  string
	contextName string
	flush       bool
	lockWait    time.Duration

	ledger *ledger
	lock   *crossProcessLock
	files  *eventFileStore
	plan   *planner
}

// Open wires an EventStore for one store context, running crash recovery
// before returning. Options must already be validated (Open calls
// Validate itself so callers who skip LoadOptions still get the check).
func Open(ctx context.Context, opts Options) (EventStore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dir := contextRoot(opts.RootPath, opts.Context)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "Open", Err: err},
			Resource:        dir,
		}
	}

	l, err := openLedger(ledgerFilePath(dir))
	if err != nil {
		return nil, err
	}

	flush := opts.Durability == FlushImmediately

	if err := recoverOnOpen(l, dir, func(highest, ledgerPos int64) {
		warnIntegrityRecovery("dcb.store", highest, ledgerPos)
	}); err != nil {
		return nil, err
	}

	es := &eventStore{
		contextDir:  dir,
		contextName: opts.Context,
		flush:       flush,
		lockWait:    opts.CrossProcessLockTimeout,
		ledger:      l,
		lock:        newCrossProcessLock(lockFilePath(dir)),
		files:       newEventFileStore(dir, flush),
		plan:        newPlanner(dir),
	}
	diag.WithComponent("dcb.store").Debug().Str("context", opts.Context).Str("root", dir).Msg("store opened")
	return es, nil
}

// Append implements the DCB write path: acquire the cross-process lock,
// re-check condition against the log as it stands right now (not as it
// stood when the caller last read), reserve positions, write event files,
// update indices, commit the ledger, release the lock. The condition
// check happens after acquiring the lock specifically because a
// concurrent appender could have invalidated it since the caller's last
// read (spec.md §4.6).
func (es *eventStore) Append(ctx context.Context, events []InputEvent, condition *AppendCondition) ([]Event, error) {
	if len(events) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "Append", Err: errEmptyBatch},
			Field:           "events",
			Value:           "",
		}
	}

	waitStart := time.Now()
	handle, err := es.lock.Acquire(ctx, es.lockWait)
	lockWaitSeconds.WithLabelValues(es.contextName).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	head := es.ledger.Load()

	if condition != nil {
		violated, err := es.checkCondition(*condition, head)
		if err != nil {
			return nil, err
		}
		if violated {
			conditionViolationsTotal.WithLabelValues(es.contextName).Inc()
			return nil, &ConcurrencyError{
				EventStoreError: EventStoreError{Op: "Append", Err: errConditionViolated},
				AfterPosition:   condition.After,
			}
		}
	}

	positions := es.ledger.Reserve(len(events))
	results := make([]Event, len(events))

	for i, in := range events {
		e := Event{
			ID:            newEventID(),
			Type:          in.GetType(),
			Tags:          in.GetTags(),
			Data:          in.GetData(),
			Position:      positions[i],
			Timestamp:     nowRFC3339Nano(),
			CausationID:   in.GetCausationID(),
			CorrelationID: in.GetCorrelationID(),
		}
		if err := es.files.WriteOne(e); err != nil {
			return nil, err
		}
		if err := es.updateIndicesForEvent(e); err != nil {
			return nil, err
		}
		results[i] = e
	}

	if err := es.ledger.Commit(positions[len(positions)-1], es.flush); err != nil {
		return nil, err
	}

	eventsAppendedTotal.WithLabelValues(es.contextName).Add(float64(len(results)))
	return results, nil
}

// checkCondition reports whether cond.FailIfEventsMatch has any match
// strictly after cond.After, as of head.
func (es *eventStore) checkCondition(cond AppendCondition, head int64) (bool, error) {
	if cond.FailIfEventsMatch == nil || len(cond.FailIfEventsMatch.GetItems()) == 0 {
		return false, nil
	}
	positions, err := es.plan.Plan(cond.FailIfEventsMatch, head)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p > cond.After {
			return true, nil
		}
	}
	return false, nil
}

// Read resolves q against the log and returns matching events per
// options. No lock is held: the planner works from index files that are
// always either fully old or fully new thanks to atomic rename, so a read
// racing a concurrent append sees one consistent snapshot, just possibly
// a slightly stale one (spec.md §4.6, §6).
func (es *eventStore) Read(ctx context.Context, q Query, options *ReadOptions) ([]Event, error) {
	head := es.ledger.Load()

	positions, err := es.plan.Plan(q, head)
	if err != nil {
		return nil, err
	}

	var opts ReadOptions
	if options != nil {
		opts = *options
	}

	if opts.AfterPosition > 0 {
		positions = filterAfter(positions, opts.AfterPosition)
	}

	if opts.Descending {
		positions = reversed(positions)
	}

	if opts.Limit > 0 && len(positions) > opts.Limit {
		positions = positions[:opts.Limit]
	}

	events, err := es.files.ReadMany(ctx, positions)
	if err != nil {
		return nil, err
	}
	eventsReadTotal.WithLabelValues(es.contextName).Add(float64(len(events)))
	return events, nil
}

// ReadLast returns the single highest-position event matching q.
func (es *eventStore) ReadLast(ctx context.Context, q Query) (*Event, error) {
	events, err := es.Read(ctx, q, &ReadOptions{Descending: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// Head returns the current LastSequencePosition.
func (es *eventStore) Head(ctx context.Context) (int64, error) {
	return es.ledger.Load(), nil
}

// Close is a no-op beyond documenting intent: the store holds no
// persistent file descriptors between operations, only the per-call lock
// handle, so there is nothing to release here.
func (es *eventStore) Close() error {
	return nil
}

func filterAfter(positions []int64, after int64) []int64 {
	out := positions[:0:0]
	for _, p := range positions {
		if p > after {
			out = append(out, p)
		}
	}
	return out
}

func nowRFC3339Nano() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var (
	errEmptyBatch        = errNew("append requires at least one event")
	errConditionViolated = errNew("append condition violated")
)

func errNew(msg string) error { return &staticError{msg: msg} }

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
