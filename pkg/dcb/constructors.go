package dcb

import (
	"sort"

	"go.jetify.com/typeid"
)

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return &tag{key: key, value: value}
}

// NewTags creates tags from alternating key, value pairs. An odd number of
// arguments yields an empty slice rather than panicking.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// NewQueryItem creates a QueryItem matching eventTypes (any, if empty)
// intersected with tags (any, if empty).
func NewQueryItem(eventTypes []string, tags []Tag) QueryItem {
	return &queryItem{EventTypes: eventTypes, Tags: tags}
}

// NewQuery creates a single-item Query.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{Items: []QueryItem{NewQueryItem(eventTypes, tags)}}
}

// NewQueryFromItems creates a Query as the union of items.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{Items: items}
}

// NewQueryAll creates a Query matching every event in the log.
func NewQueryAll() Query {
	return &query{Items: []QueryItem{NewQueryItem(nil, nil)}}
}

// NewQueryEmpty creates a Query with no items, matching nothing. Used as
// the zero value for an AppendCondition that never fails.
func NewQueryEmpty() Query {
	return &query{Items: []QueryItem{}}
}

// NewAppendCondition creates an AppendCondition. after is the position the
// caller last observed; the append fails if failIfEventsMatch matches any
// event strictly after it.
func NewAppendCondition(failIfEventsMatch Query, after int64) *AppendCondition {
	return &AppendCondition{FailIfEventsMatch: failIfEventsMatch, After: after}
}

// NewInputEvent creates an InputEvent ready to append, with freshly minted
// causation and correlation TypeIDs (see NewInputEventWithCausation to
// supply them explicitly).
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return &inputEvent{
		eventType:     eventType,
		tags:          tags,
		data:          data,
		correlationID: newPrefixedID("corr"),
		causationID:   newPrefixedID("cause"),
	}
}

// NewInputEventWithCausation creates an InputEvent that explicitly chains
// off a prior event, for causation/correlation tracking across a command.
func NewInputEventWithCausation(eventType string, tags []Tag, data []byte, causationID, correlationID string) InputEvent {
	e := NewInputEvent(eventType, tags, data).(*inputEvent)
	if causationID != "" {
		e.causationID = causationID
	}
	if correlationID != "" {
		e.correlationID = correlationID
	}
	return e
}

// NewEventBatch is a convenience wrapper for building []InputEvent literals.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// newPrefixedID generates a TypeID with the given prefix, falling back to
// the "id" prefix if the given one is not a valid TypeID prefix.
func newPrefixedID(prefix string) string {
	tid, err := typeid.WithPrefix(prefix)
	if err != nil {
		tid, _ = typeid.WithPrefix("id")
	}
	return tid.String()
}

// newEventID generates the TypeID that Append assigns to each Event.ID.
func newEventID() string {
	return newPrefixedID("evt")
}

// =============================================================================
// Query Builder — fluent construction for callers who find QueryItem slices
// tedious to build by hand.
// =============================================================================

// QueryBuilder builds a Query whose items are combined with OR; tags and
// types added between AddItem calls are combined with AND within an item.
type QueryBuilder struct {
	items   []QueryItem
	current struct {
		types []string
		tags  []Tag
	}
}

// NewQueryBuilder starts a new QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

func (b *QueryBuilder) hasCurrent() bool {
	return len(b.current.types) > 0 || len(b.current.tags) > 0
}

// AddItem finalizes the current QueryItem and starts a new one.
func (b *QueryBuilder) AddItem() *QueryBuilder {
	if b.hasCurrent() {
		b.items = append(b.items, NewQueryItem(b.current.types, b.current.tags))
		b.current.types = nil
		b.current.tags = nil
	}
	return b
}

// WithTag adds a tag (AND) to the current item.
func (b *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	b.current.tags = append(b.current.tags, NewTag(key, value))
	return b
}

// WithTags adds alternating key, value tag pairs to the current item.
func (b *QueryBuilder) WithTags(kv ...string) *QueryBuilder {
	for _, t := range NewTags(kv...) {
		b.current.tags = append(b.current.tags, t)
	}
	return b
}

// WithType adds an event type (OR within types) to the current item.
func (b *QueryBuilder) WithType(eventType string) *QueryBuilder {
	b.current.types = append(b.current.types, eventType)
	return b
}

// WithTypes adds multiple event types to the current item.
func (b *QueryBuilder) WithTypes(eventTypes ...string) *QueryBuilder {
	b.current.types = append(b.current.types, eventTypes...)
	return b
}

// Build finalizes the builder into a Query.
func (b *QueryBuilder) Build() Query {
	b.AddItem()
	if len(b.items) == 0 {
		return NewQueryEmpty()
	}
	return NewQueryFromItems(b.items...)
}

// =============================================================================
// Event Builder — fluent construction for InputEvent.
// =============================================================================

// EventBuilder builds an InputEvent.
type EventBuilder struct {
	eventType string
	tags      map[string]string
	data      []byte
}

// NewEvent starts an EventBuilder for the given event type.
func NewEvent(eventType string) *EventBuilder {
	return &EventBuilder{eventType: eventType, tags: map[string]string{}}
}

// WithTag sets a single tag.
func (b *EventBuilder) WithTag(key, value string) *EventBuilder {
	b.tags[key] = value
	return b
}

// WithData sets the already-encoded payload bytes.
func (b *EventBuilder) WithData(data []byte) *EventBuilder {
	b.data = data
	return b
}

// Build creates the InputEvent, sorting tags by key for deterministic
// ordering in any serialized form that later echoes them back.
func (b *EventBuilder) Build() InputEvent {
	keys := make([]string, 0, len(b.tags))
	for k := range b.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, NewTag(k, b.tags[k]))
	}
	return NewInputEvent(b.eventType, tags, b.data)
}

// =============================================================================
// Batch Builder
// =============================================================================

// BatchBuilder accumulates InputEvents for a single Append call.
type BatchBuilder struct {
	events []InputEvent
}

// NewBatch starts a BatchBuilder.
func NewBatch() *BatchBuilder {
	return &BatchBuilder{}
}

// Add appends one event to the batch.
func (b *BatchBuilder) Add(e InputEvent) *BatchBuilder {
	b.events = append(b.events, e)
	return b
}

// Build returns the accumulated events.
func (b *BatchBuilder) Build() []InputEvent {
	return b.events
}
