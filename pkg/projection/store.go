package projection

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/majormartintibor/dcbstore/internal/atomicfile"
	"github.com/majormartintibor/dcbstore/internal/diag"
	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

// entityFile is the on-disk wrapper around a projection's persisted
// state, per SPEC_FULL.md's external-interfaces layout.
type entityFile struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// metadataIndexEntry augments Metadata with the tags the entity was last
// saved with, so the tag cache survives a restart by rehydrating from
// this index instead of from the (unavailable) in-memory history.
type metadataIndexEntry struct {
	Metadata
	Tags map[string]string `json:"tags,omitempty"`
}

type metadataIndex map[string]metadataIndexEntry

// parallelReadThreshold mirrors dcb's: below it GetAll reads entity files
// sequentially, at or above it reads with bounded parallelism.
const parallelReadThreshold = 10

// Store is one projection's on-disk entity store: C8 in the component
// design, one instance per registered Definition.
type Store struct {
	contextDir string
	name       string
	flush      bool

	mu       sync.Mutex
	tagCache map[string][]dcb.Tag
}

// OpenStore opens (or creates on first Save) the on-disk store for one
// projection, rehydrating its tag cache from the metadata index.
func OpenStore(contextDir, name string, flush bool) (*Store, error) {
	s := &Store{
		contextDir: contextDir,
		name:       name,
		flush:      flush,
		tagCache:   make(map[string][]dcb.Tag),
	}

	idx, err := s.loadMetadataIndex()
	if err != nil {
		return nil, err
	}
	for key, entry := range idx {
		if len(entry.Tags) == 0 {
			continue
		}
		tags := make([]dcb.Tag, 0, len(entry.Tags))
		for k, v := range entry.Tags {
			tags = append(tags, dcb.NewTag(k, v))
		}
		s.tagCache[key] = tags
	}
	return s, nil
}

func (s *Store) corrupted(op, key string, err error) error {
	return &dcb.CorruptedEntityError{
		EventStoreError: dcb.EventStoreError{Op: op, Err: err},
		Projection:      s.name,
		Key:             key,
	}
}

func (s *Store) resource(op, resource string, err error) error {
	return &dcb.ResourceError{
		EventStoreError: dcb.EventStoreError{Op: op, Err: err},
		Resource:        resource,
	}
}

func (s *Store) loadMetadataIndex() (metadataIndex, error) {
	path := metadataIndexPath(s.contextDir, s.name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return metadataIndex{}, nil
		}
		return nil, s.resource("Store.loadMetadataIndex", path, err)
	}
	idx := metadataIndex{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, s.resource("Store.loadMetadataIndex", path, err)
	}
	return idx, nil
}

func (s *Store) persistMetadataIndex(idx metadataIndex) error {
	path := metadataIndexPath(s.contextDir, s.name)
	data, err := json.Marshal(idx)
	if err != nil {
		return s.resource("Store.persistMetadataIndex", path, err)
	}
	if err := atomicfile.Write(path, data, s.flush); err != nil {
		return s.resource("Store.persistMetadataIndex", path, err)
	}
	return nil
}

// Save persists state under key, updating its metadata (Version bumped,
// CreatedAt preserved across updates) and diffing tags against the
// previous save so stale tag-index entries are removed, per spec.md §4.7.
func (s *Store) Save(key string, state any, tags []dcb.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Store.Save", Err: err},
			Field:           "state",
			Value:           key,
		}
	}

	idx, err := s.loadMetadataIndex()
	if err != nil {
		return err
	}

	now := nowRFC3339Nano()
	prior, existed := idx[key]
	meta := Metadata{
		CreatedAt:     now,
		LastUpdatedAt: now,
		Version:       1,
		SizeInBytes:   len(data),
	}
	if existed {
		meta.CreatedAt = prior.CreatedAt
		meta.Version = prior.Version + 1
	}

	entity := entityFile{Data: data, Metadata: meta}
	entityData, err := json.Marshal(entity)
	if err != nil {
		return s.resource("Store.Save", key, err)
	}
	if err := atomicfile.Write(entityFilePath(s.contextDir, s.name, key), entityData, s.flush); err != nil {
		return s.resource("Store.Save", key, err)
	}

	if err := s.updateTagIndices(key, tags); err != nil {
		return err
	}

	tagMap := make(map[string]string, len(tags))
	for _, t := range tags {
		tagMap[t.GetKey()] = t.GetValue()
	}
	idx[key] = metadataIndexEntry{Metadata: meta, Tags: tagMap}
	return s.persistMetadataIndex(idx)
}

// updateTagIndices removes key from every tag index it previously
// appeared in that next no longer reproduces, adds it to every new one,
// and refreshes the in-memory tag cache.
func (s *Store) updateTagIndices(key string, next []dcb.Tag) error {
	old := s.tagCache[key]

	nextSet := make(map[string]dcb.Tag, len(next))
	for _, t := range next {
		nextSet[t.GetKey()+"="+t.GetValue()] = t
	}
	oldSet := make(map[string]dcb.Tag, len(old))
	for _, t := range old {
		oldSet[t.GetKey()+"="+t.GetValue()] = t
	}

	for k, t := range oldSet {
		if _, stillPresent := nextSet[k]; !stillPresent {
			idx := newKeyIndex(tagIndexPath(s.contextDir, s.name, t.GetKey(), t.GetValue()))
			if err := idx.Remove(key, s.flush); err != nil {
				return s.resource("Store.updateTagIndices", key, err)
			}
		}
	}
	for k, t := range nextSet {
		if _, alreadyPresent := oldSet[k]; !alreadyPresent {
			idx := newKeyIndex(tagIndexPath(s.contextDir, s.name, t.GetKey(), t.GetValue()))
			if err := idx.Add(key, s.flush); err != nil {
				return s.resource("Store.updateTagIndices", key, err)
			}
		}
	}

	s.tagCache[key] = next
	return nil
}

// Get returns the raw persisted state for key. A missing projection
// directory or key file is not an error: it returns (nil, false, nil),
// supporting first-time rebuild of a freshly introduced projection.
func (s *Store) Get(key string) (json.RawMessage, bool, error) {
	path := entityFilePath(s.contextDir, s.name, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, s.resource("Store.Get", path, err)
	}
	var entity entityFile
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, false, s.corrupted("Store.Get", key, err)
	}
	return entity.Data, true, nil
}

// GetAll returns every persisted entity, keyed by its key. Corrupted
// entities are skipped, not returned as an error, per spec.md §4.7/§7.
func (s *Store) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	keys, err := s.listKeys()
	if err != nil {
		return nil, err
	}

	results := make(map[string]json.RawMessage, len(keys))
	var mu sync.Mutex

	readOne := func(key string) {
		data, found, err := s.Get(key)
		if err != nil {
			diag.WithComponent("projection.store").Warn().
				Str("projection", s.name).
				Str("key", key).
				Err(err).
				Msg("skipping unreadable projection entity")
			return
		}
		if !found {
			return
		}
		mu.Lock()
		results[key] = data
		mu.Unlock()
	}

	if len(keys) < parallelReadThreshold {
		for _, key := range keys {
			readOne(key)
		}
		return results, nil
	}

	sem := semaphore.NewWeighted(int64(2 * runtime.NumCPU()))
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			readOne(key)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// listKeys enumerates keys from the metadata index when available,
// falling back to a directory scan for a store whose index has not yet
// been written.
func (s *Store) listKeys() ([]string, error) {
	idx, err := s.loadMetadataIndex()
	if err != nil {
		return nil, err
	}
	if len(idx) > 0 {
		keys := make([]string, 0, len(idx))
		for k := range idx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	}

	entries, err := os.ReadDir(projectionDir(s.contextDir, s.name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, s.resource("Store.listKeys", s.name, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !isEntityFile(e.Name()) {
			continue
		}
		keys = append(keys, entityKeyFromFileName(e.Name()))
	}
	sort.Strings(keys)
	return keys, nil
}

func isEntityFile(name string) bool {
	return len(name) > len(".json") && name[len(name)-len(".json"):] == ".json"
}

func entityKeyFromFileName(name string) string {
	return name[:len(name)-len(".json")]
}

// Delete removes key's entity file, its tag-index entries, and its
// metadata entry.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tagCache[key] {
		idx := newKeyIndex(tagIndexPath(s.contextDir, s.name, t.GetKey(), t.GetValue()))
		if err := idx.Remove(key, s.flush); err != nil {
			return s.resource("Store.Delete", key, err)
		}
	}
	delete(s.tagCache, key)

	path := entityFilePath(s.contextDir, s.name, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return s.resource("Store.Delete", path, err)
	}

	idx, err := s.loadMetadataIndex()
	if err != nil {
		return err
	}
	delete(idx, key)
	return s.persistMetadataIndex(idx)
}

// QueryByTag returns every key currently indexed under tag.
func (s *Store) QueryByTag(tag dcb.Tag) ([]string, error) {
	keys, err := newKeyIndex(tagIndexPath(s.contextDir, s.name, tag.GetKey(), tag.GetValue())).Load()
	if err != nil {
		return nil, s.resource("Store.QueryByTag", tag.GetKey(), err)
	}
	return keys, nil
}

// QueryByTags returns the keys indexed under every tag in tags,
// intersected, independent of which tag's set is larger.
func (s *Store) QueryByTags(tags []dcb.Tag) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	sets := make([][]string, len(tags))
	for i, t := range tags {
		keys, err := s.QueryByTag(t)
		if err != nil {
			return nil, err
		}
		sets[i] = keys
	}
	if len(sets) == 1 {
		return sets[0], nil
	}
	return intersectSortedStrings(sets), nil
}

// DeleteAllIndices removes the metadata and tag indices for this
// projection but leaves entity files untouched, for use by Rebuild: the
// files are preserved until the replay overwrites them, so a rebuild
// failure partway through leaves the previous generation's data intact
// for any key not yet revisited.
func (s *Store) DeleteAllIndices() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tagCache = make(map[string][]dcb.Tag)

	if err := os.RemoveAll(indicesDir(s.contextDir, s.name)); err != nil {
		return s.resource("Store.DeleteAllIndices", s.name, err)
	}
	metaDir := filepath.Join(projectionDir(s.contextDir, s.name), "Metadata")
	if err := os.RemoveAll(metaDir); err != nil {
		return s.resource("Store.DeleteAllIndices", s.name, err)
	}
	return nil
}
