package dcb

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// StateProjector folds matching events into a single in-memory state, for
// callers who want a read-modify-append command-handler pattern instead of
// driving a persistent Manager-backed projection for a one-shot decision.
type StateProjector struct {
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// BatchProjector pairs a StateProjector with the key its resulting state is
// reported under in DecisionModel.States.
type BatchProjector struct {
	ID             string
	StateProjector StateProjector
}

// DecisionModel is the result of BuildDecisionModel: the projected states a
// command handler reads to decide what to append, plus the AppendCondition
// that makes the eventual Append fail if anything matching any projector's
// query appeared after this read.
type DecisionModel struct {
	States          map[string]any
	AppendCondition AppendCondition
}

// BuildDecisionModel projects every projector against store in a single
// Read, then returns a DecisionModel whose AppendCondition guards against
// any event appended after the read that would have changed one of the
// projected states — the DCB command-handler pattern: read state, decide,
// append conditioned on nothing relevant having changed since the read.
func BuildDecisionModel(ctx context.Context, store EventStore, projectors map[string]StateProjector) (*DecisionModel, error) {
	batch := make([]BatchProjector, 0, len(projectors))
	for id, p := range projectors {
		batch = append(batch, BatchProjector{ID: id, StateProjector: p})
	}

	for _, bp := range batch {
		if bp.ID == "" {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{Op: "BuildDecisionModel", Err: fmt.Errorf("projector ID must not be empty")},
				Field:           "id",
			}
		}
		if bp.StateProjector.TransitionFn == nil {
			return nil, &ValidationError{
				EventStoreError: EventStoreError{Op: "BuildDecisionModel", Err: fmt.Errorf("projector %s has a nil TransitionFn", bp.ID)},
				Field:           "transitionFn",
				Value:           bp.ID,
			}
		}
	}

	states := make(map[string]any, len(batch))
	for _, bp := range batch {
		states[bp.ID] = bp.StateProjector.InitialState
	}

	combined := CombineProjectorQueries(projectorsOf(batch))

	var events []Event
	if len(combined.GetItems()) > 0 {
		var err error
		events, err = store.Read(ctx, combined, nil)
		if err != nil {
			return nil, err
		}
	}

	var lastPosition int64
	for _, e := range events {
		for _, bp := range batch {
			if EventMatchesProjector(e, bp.StateProjector) {
				states[bp.ID] = bp.StateProjector.TransitionFn(states[bp.ID], e)
			}
		}
		if e.Position > lastPosition {
			lastPosition = e.Position
		}
	}
	if lastPosition == 0 {
		if head, err := store.Head(ctx); err == nil {
			lastPosition = head
		}
	}

	return &DecisionModel{
		States: states,
		AppendCondition: AppendCondition{
			FailIfEventsMatch: combined,
			After:             lastPosition,
		},
	}, nil
}

func projectorsOf(batch []BatchProjector) []StateProjector {
	out := make([]StateProjector, len(batch))
	for i, bp := range batch {
		out[i] = bp.StateProjector
	}
	return out
}

// CombineProjectorQueries merges projectors' queries into one, grouping
// QueryItems that share the same tag set so the combined query has one item
// per distinct tag set rather than one per projector.
func CombineProjectorQueries(projectors []StateProjector) Query {
	tagGroups := make(map[string]*queryItem)
	var order []string

	for _, p := range projectors {
		for _, item := range p.Query.GetItems() {
			key := tagsToKey(item.GetTags())
			if existing, ok := tagGroups[key]; ok {
				existing.EventTypes = append(existing.EventTypes, item.GetEventTypes()...)
				continue
			}
			tagGroups[key] = &queryItem{
				EventTypes: append([]string{}, item.GetEventTypes()...),
				Tags:       append([]Tag{}, item.GetTags()...),
			}
			order = append(order, key)
		}
	}

	items := make([]QueryItem, 0, len(order))
	for _, key := range order {
		items = append(items, tagGroups[key])
	}
	return &query{Items: items}
}

func tagsToKey(tags []Tag) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, len(tags))
	for i, t := range tags {
		pairs[i] = t.GetKey() + ":" + t.GetValue()
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// EventMatchesProjector reports whether event matches any item of
// projector's query, independent of whether it was read via that query
// (the combined query in BuildDecisionModel is a union, so each event must
// still be checked against each projector individually).
func EventMatchesProjector(event Event, projector StateProjector) bool {
	items := projector.Query.GetItems()
	if len(items) == 0 {
		return true
	}

	eventTags := make(map[string]string, len(event.Tags))
	for _, t := range event.Tags {
		eventTags[t.GetKey()] = t.GetValue()
	}

	for _, item := range items {
		if len(item.GetEventTypes()) > 0 {
			matched := false
			for _, t := range item.GetEventTypes() {
				if t == event.Type {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		allTagsMatch := true
		for _, tag := range item.GetTags() {
			if eventTags[tag.GetKey()] != tag.GetValue() {
				allTagsMatch = false
				break
			}
		}
		if allTagsMatch {
			return true
		}
	}
	return false
}

// ProjectCounter builds a StateProjector that counts matching events.
func ProjectCounter(eventType, tagKey, tagValue string) StateProjector {
	return StateProjector{
		Query:        NewQuery(NewTags(tagKey, tagValue), eventType),
		InitialState: 0,
		TransitionFn: func(state any, _ Event) any {
			return state.(int) + 1
		},
	}
}

// ProjectBoolean builds a StateProjector that flips to true the first time
// a matching event is seen and stays true thereafter.
func ProjectBoolean(eventType, tagKey, tagValue string) StateProjector {
	return StateProjector{
		Query:        NewQuery(NewTags(tagKey, tagValue), eventType),
		InitialState: false,
		TransitionFn: func(_ any, _ Event) any {
			return true
		},
	}
}

// ProjectState builds a StateProjector with caller-supplied initial state
// and transition logic, for the common case of a single tag and event type.
func ProjectState(eventType, tagKey, tagValue string, initialState any, transitionFn func(any, Event) any) StateProjector {
	return StateProjector{
		Query:        NewQuery(NewTags(tagKey, tagValue), eventType),
		InitialState: initialState,
		TransitionFn: transitionFn,
	}
}
