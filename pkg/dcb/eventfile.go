package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// envelope is the on-disk shape of one event file: the full Event minus
// its position, which is carried by the file name and re-attached on read.
type envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Tags          map[string]string `json:"tags"`
	Data          json.RawMessage   `json:"data"`
	Timestamp     string            `json:"timestamp"`
	CausationID   string            `json:"causationId"`
	CorrelationID string            `json:"correlationId"`
}

func toEnvelope(e Event) envelope {
	tags := make(map[string]string, len(e.Tags))
	for _, t := range e.Tags {
		tags[t.GetKey()] = t.GetValue()
	}
	data := e.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	return envelope{
		ID:            e.ID,
		Type:          e.Type,
		Tags:          tags,
		Data:          data,
		Timestamp:     e.Timestamp,
		CausationID:   e.CausationID,
		CorrelationID: e.CorrelationID,
	}
}

func (env envelope) toEvent(position int64) Event {
	tags := make([]Tag, 0, len(env.Tags))
	for k, v := range env.Tags {
		tags = append(tags, NewTag(k, v))
	}
	var data []byte
	if string(env.Data) != "null" {
		data = []byte(env.Data)
	}
	return Event{
		ID:            env.ID,
		Type:          env.Type,
		Tags:          tags,
		Data:          data,
		Position:      position,
		Timestamp:     env.Timestamp,
		CausationID:   env.CausationID,
		CorrelationID: env.CorrelationID,
	}
}

// eventFileStore owns reading and writing individual .evt files.
type eventFileStore struct {
	contextDir string
	flush      bool
}

func newEventFileStore(contextDir string, flush bool) *eventFileStore {
	return &eventFileStore{contextDir: contextDir, flush: flush}
}

// WriteOne serializes e (its EventType discriminator embedded as the
// envelope's Type field) and durably renames it into place at position.
func (s *eventFileStore) WriteOne(e Event) error {
	data, err := json.Marshal(toEnvelope(e))
	if err != nil {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "eventFileStore.WriteOne", Err: err},
			Field:           "event",
			Value:           e.Type,
		}
	}
	return writeFileAtomic(eventFilePath(s.contextDir, e.Position), data, s.flush)
}

// ReadOne reads and deserializes the event at position. Read path must
// tolerate both minified and pretty-printed JSON (spec.md §4.11); the
// standard decoder does this without any special-casing.
func (s *eventFileStore) ReadOne(position int64) (Event, error) {
	path := eventFilePath(s.contextDir, position)
	data, err := os.ReadFile(path)
	if err != nil {
		return Event{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "eventFileStore.ReadOne", Err: err},
			Resource:        path,
		}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &ResourceError{
			EventStoreError: EventStoreError{Op: "eventFileStore.ReadOne", Err: fmt.Errorf("corrupt event at position %d: %w", position, err)},
			Resource:        path,
		}
	}
	return env.toEvent(position), nil
}

// parallelReadThreshold is the position-count below which reads are
// issued sequentially; spec.md §4.3 sets this at 10.
const parallelReadThreshold = 10

// ReadMany reads positions and returns events in the same order as the
// input slice, regardless of read concurrency. Below parallelReadThreshold
// positions it reads sequentially; at or above it reads with bounded
// parallelism (2×NumCPU workers, grounded on golang.org/x/sync/errgroup +
// semaphore, both teacher-adjacent indirect dependencies promoted here to
// direct use).
//
// Descending reads must reverse positions before calling ReadMany, never
// reverse the result afterward — reversing a materialized slice at the end
// forces every worker to finish before any output can be produced, which
// spec.md §4.3 calls out as a 12x regression versus reversing the input.
func (s *eventFileStore) ReadMany(ctx context.Context, positions []int64) ([]Event, error) {
	results := make([]Event, len(positions))
	if len(positions) == 0 {
		return results, nil
	}

	if len(positions) < parallelReadThreshold {
		for i, pos := range positions {
			e, err := s.ReadOne(pos)
			if err != nil {
				return nil, err
			}
			results[i] = e
		}
		return results, nil
	}

	workers := int64(2 * runtime.NumCPU())
	sem := semaphore.NewWeighted(workers)
	g, gctx := errgroup.WithContext(ctx)

	for i, pos := range positions {
		i, pos := i, pos
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			e, err := s.ReadOne(pos)
			if err != nil {
				return err
			}
			results[i] = e
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// reversed returns a new slice with positions in reverse order, for
// descending reads.
func reversed(positions []int64) []int64 {
	out := make([]int64, len(positions))
	for i, p := range positions {
		out[len(positions)-1-i] = p
	}
	return out
}
