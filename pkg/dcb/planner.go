package dcb

// planner resolves a Query to an ordered, deduplicated position list,
// capped at a caller-supplied high-water mark so concurrent appends are
// invisible to in-flight reads (spec.md §4.5).
type planner struct {
	contextDir string
}

func newPlanner(contextDir string) *planner {
	return &planner{contextDir: contextDir}
}

// Plan resolves q against the log as of cap (typically the current
// LastSequencePosition) and returns ascending, unique positions.
func (p *planner) Plan(q Query, cap int64) ([]int64, error) {
	items := q.GetItems()
	if len(items) == 0 {
		return nil, nil
	}

	itemResults := make([][]int64, len(items))
	for i, item := range items {
		positions, err := p.planItem(item, cap)
		if err != nil {
			return nil, err
		}
		itemResults[i] = positions
	}

	if len(itemResults) == 1 {
		return capPositions(itemResults[0], cap), nil
	}
	return capPositions(unionSorted(itemResults), cap), nil
}

// planItem resolves one QueryItem: event-type set intersected with tag
// sets. An empty EventTypes or Tags side means "any" (the universe up to
// cap), per spec.md §3's Query semantics.
func (p *planner) planItem(item QueryItem, cap int64) ([]int64, error) {
	var sets [][]int64

	if len(item.GetEventTypes()) > 0 {
		typeSets := make([][]int64, 0, len(item.GetEventTypes()))
		for _, t := range item.GetEventTypes() {
			positions, err := newPosIndex(eventTypeIndexFile(p.contextDir, t)).Load()
			if err != nil {
				return nil, err
			}
			typeSets = append(typeSets, positions)
		}
		sets = append(sets, unionSorted(typeSets))
	}

	for _, tag := range item.GetTags() {
		positions, err := newPosIndex(tagIndexFile(p.contextDir, tag.GetKey(), tag.GetValue())).Load()
		if err != nil {
			return nil, err
		}
		sets = append(sets, positions)
	}

	if len(sets) == 0 {
		return allPositionsUpTo(cap), nil
	}
	if len(sets) == 1 {
		return sets[0], nil
	}
	return intersectSorted(sets), nil
}

func allPositionsUpTo(cap int64) []int64 {
	if cap <= 0 {
		return nil
	}
	out := make([]int64, cap)
	for i := int64(0); i < cap; i++ {
		out[i] = i + 1
	}
	return out
}

func capPositions(positions []int64, cap int64) []int64 {
	if cap <= 0 {
		return nil
	}
	out := positions[:0:0]
	for _, p := range positions {
		if p <= cap {
			out = append(out, p)
		}
	}
	return out
}
