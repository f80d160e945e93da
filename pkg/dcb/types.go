package dcb

import "context"

type (
	// Tag is a key-value pair attached to an event for indexed lookup.
	// It is an opaque interface; construct one with NewTag.
	Tag interface {
		isTag()
		GetKey() string
		GetValue() string
	}

	tag struct {
		key   string
		value string
	}

	// QueryItem is one disjunct of a Query: an event-type set intersected
	// with a tag set. Either side may be empty, meaning "any".
	QueryItem interface {
		isQueryItem()
		GetEventTypes() []string
		GetTags() []Tag
	}

	queryItem struct {
		EventTypes []string
		Tags       []Tag
	}

	// Query selects events as the union (OR) of its QueryItems. A Query
	// with a single item whose EventTypes and Tags are both empty matches
	// every event (see NewQueryAll).
	Query interface {
		isQuery()
		GetItems() []QueryItem
	}

	query struct {
		Items []QueryItem
	}

	// AppendCondition enforces DCB optimistic concurrency: the append
	// fails if any event matching FailIfEventsMatch exists at a position
	// greater than After at the moment the append is evaluated.
	AppendCondition struct {
		FailIfEventsMatch Query
		After             int64
	}

	// InputEvent is a caller-constructed event awaiting a position.
	InputEvent interface {
		isInputEvent()
		GetType() string
		GetTags() []Tag
		GetData() []byte
		GetCausationID() string
		GetCorrelationID() string
	}

	inputEvent struct {
		eventType     string
		tags          []Tag
		data          []byte
		causationID   string
		correlationID string
	}

	// Event is a persisted, positioned event.
	Event struct {
		ID            string
		Type          string
		Tags          []Tag
		Data          []byte
		Position      int64
		Timestamp     string // RFC3339Nano, UTC
		CausationID   string
		CorrelationID string
	}

	// ReadOptions configures Read. The default (zero value) reads
	// ascending from position 1 with no limit.
	ReadOptions struct {
		Descending   bool
		Limit        int
		AfterPosition int64
	}

	// EventStore is the public facade over the on-disk log for one store
	// context.
	EventStore interface {
		// Append writes events under condition (condition may be nil for
		// an unconditional append) and returns them annotated with the
		// assigned positions, in input order.
		Append(ctx context.Context, events []InputEvent, condition *AppendCondition) ([]Event, error)

		// Read resolves query against the log and returns matching
		// events ordered per options.
		Read(ctx context.Context, q Query, options *ReadOptions) ([]Event, error)

		// ReadLast returns only the highest-position event matching
		// query, or nil if none match.
		ReadLast(ctx context.Context, q Query) (*Event, error)

		// Head returns the current LastSequencePosition without
		// resolving any query.
		Head(ctx context.Context) (int64, error)

		// Close releases the store's held resources (the cross-process
		// lock is per-operation, not held across Close).
		Close() error
	}
)

func (t *tag) isTag()             {}
func (t *tag) GetKey() string     { return t.key }
func (t *tag) GetValue() string   { return t.value }

func (qi *queryItem) isQueryItem()            {}
func (qi *queryItem) GetEventTypes() []string { return qi.EventTypes }
func (qi *queryItem) GetTags() []Tag          { return qi.Tags }

func (q *query) isQuery()          {}
func (q *query) GetItems() []QueryItem { return q.Items }

func (e *inputEvent) isInputEvent()          {}
func (e *inputEvent) GetType() string        { return e.eventType }
func (e *inputEvent) GetTags() []Tag         { return e.tags }
func (e *inputEvent) GetData() []byte        { return e.data }
func (e *inputEvent) GetCausationID() string { return e.causationID }
func (e *inputEvent) GetCorrelationID() string {
	return e.correlationID
}
