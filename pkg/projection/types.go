package projection

import (
	"errors"
	"time"

	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

// Definition registers one projection with a Manager. KeySelector and
// either Apply or the ApplyWithRelated/RelatedEventsQuery pair are
// required; the rest are optional.
type Definition struct {
	// Name must be unique process-wide within one Manager.
	Name string

	// EventTypes is the set of event types this projection consumes.
	EventTypes []string

	// KeySelector identifies which entity an event belongs to.
	KeySelector func(event dcb.Event) string

	// InitialState is the value passed to Apply when no entity exists yet
	// for a key.
	InitialState any

	// NewState returns a fresh pointer for unmarshaling a persisted
	// entity back into its concrete type. If nil, persisted state is
	// unmarshaled into a *map[string]any.
	NewState func() any

	// Apply computes the next state for a key given its current state
	// and a matching event. Returning nil deletes the entity. Mutually
	// exclusive with RelatedEventsQuery/ApplyWithRelated.
	Apply func(current any, event dcb.Event) any

	// RelatedEventsQuery, when set, switches this projection into the
	// multi-stream variant: for each driving event it resolves this
	// query against the store and passes the results, ordered by
	// position, to ApplyWithRelated.
	RelatedEventsQuery func(event dcb.Event) dcb.Query

	// ApplyWithRelated is called instead of Apply when RelatedEventsQuery
	// is set. It must fail explicitly (a non-nil error) when related is
	// empty but the projection requires at least one related event.
	ApplyWithRelated func(current any, event dcb.Event, related []dcb.Event) (any, error)

	// TagProvider derives the tags under which next should be indexed.
	// Optional; a projection with no TagProvider is never findable by
	// QueryByTag.
	TagProvider func(state any) []dcb.Tag
}

var (
	errMissingName        = errors.New("projection definition requires a name")
	errMissingKeySelector = errors.New("projection definition requires a KeySelector")
	errMissingApply       = errors.New("projection definition requires Apply or RelatedEventsQuery+ApplyWithRelated")
	errMixedApply         = errors.New("projection definition must not set both Apply and RelatedEventsQuery")
)

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errMissingName
	case d.KeySelector == nil:
		return errMissingKeySelector
	case d.Apply != nil && d.RelatedEventsQuery != nil:
		return errMixedApply
	case d.Apply == nil && (d.RelatedEventsQuery == nil || d.ApplyWithRelated == nil):
		return errMissingApply
	}
	return nil
}

func (d Definition) isMultiStream() bool {
	return d.RelatedEventsQuery != nil
}

// Metadata describes a persisted projection entity.
type Metadata struct {
	CreatedAt     string `json:"createdAt"`
	LastUpdatedAt string `json:"lastUpdatedAt"`
	Version       int    `json:"version"`
	SizeInBytes   int    `json:"sizeInBytes"`
}

// RebuildResult reports the outcome of rebuilding one projection.
type RebuildResult struct {
	Name            string
	Success         bool
	Duration        time.Duration
	EventsProcessed int
	ErrorMessage    string
}

// RebuildSummary aggregates the results of rebuilding several projections.
type RebuildSummary struct {
	TotalRebuilt      int
	Duration          time.Duration
	Details           []RebuildResult
	FailedProjections []string
}

// RebuildStatus snapshots the Manager's in-flight rebuild activity.
type RebuildStatus struct {
	IsRebuilding bool
	InProgress   []string
	Queued       []string
	StartedAt    *time.Time
}

func nowRFC3339Nano() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
