package projection

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/majormartintibor/dcbstore/internal/atomicfile"
)

// keyIndex is one tag index file: a sorted, deduplicated JSON array of
// entity keys, matching the on-disk layout's Indices/<Key>_<Value>.json
// shape (distinct from dcb's extensionless, newline-delimited position
// indices, because this file's content is a list of arbitrary caller
// keys rather than fixed-width integers).
type keyIndex struct {
	path string
}

func newKeyIndex(path string) *keyIndex {
	return &keyIndex{path: path}
}

func (idx *keyIndex) Load() ([]string, error) {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (idx *keyIndex) persist(keys []string, flush bool) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return atomicfile.Write(idx.path, data, flush)
}

func (idx *keyIndex) Add(key string, flush bool) error {
	existing, err := idx.Load()
	if err != nil {
		return err
	}
	for _, k := range existing {
		if k == key {
			return nil
		}
	}
	existing = append(existing, key)
	sort.Strings(existing)
	return idx.persist(existing, flush)
}

func (idx *keyIndex) Remove(key string, flush bool) error {
	existing, err := idx.Load()
	if err != nil {
		return err
	}
	out := existing[:0]
	for _, k := range existing {
		if k != key {
			out = append(out, k)
		}
	}
	return idx.persist(out, flush)
}

// intersectSortedStrings intersects N sorted, deduplicated key lists.
// Sets are reordered by ascending cardinality first, and that order
// drives the sequential intersection, for the same reason dcb's
// intersectSorted does: picking a pivot by size but then intersecting in
// the original order silently degrades to intersecting against the
// first set regardless of its size.
func intersectSortedStrings(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	ordered := make([][]string, len(sets))
	copy(ordered, sets)
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) < len(ordered[j]) })

	result := ordered[0]
	for _, next := range ordered[1:] {
		result = intersectTwoSortedStrings(result, next)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

func intersectTwoSortedStrings(a, b []string) []string {
	out := make([]string, 0, minInt(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
