package dcb

// eventTypeIndex and tagIndex are thin wrappers over posIndex that know
// how to locate the right file for an event type or a tag, per spec.md
// §4.4 (C4, C5).

func (es *eventStore) eventTypeIndexFor(eventType string) *posIndex {
	return newPosIndex(eventTypeIndexFile(es.contextDir, eventType))
}

func (es *eventStore) tagIndexFor(t Tag) *posIndex {
	return newPosIndex(tagIndexFile(es.contextDir, t.GetKey(), t.GetValue()))
}

// updateIndicesForEvent appends e.Position to every index its type and
// tags touch. Called only while the cross-process lock is held, after the
// event file itself is durable.
func (es *eventStore) updateIndicesForEvent(e Event) error {
	if err := es.eventTypeIndexFor(e.Type).Append(e.Position, es.flush); err != nil {
		return err
	}
	for _, t := range e.Tags {
		if err := es.tagIndexFor(t).Append(e.Position, es.flush); err != nil {
			return err
		}
	}
	return nil
}
