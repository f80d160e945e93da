package dcb

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestPosIndexAppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indices", "tags", "course_id", "c1")
	idx := newPosIndex(path)

	for _, p := range []int64{3, 1, 2} {
		if err := idx.Append(p, false); err != nil {
			t.Fatalf("Append(%d): %v", p, err)
		}
	}

	got, err := idx.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []int64{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %v, want %v", got, want)
	}
}

func TestPosIndexLoadMissingFile(t *testing.T) {
	idx := newPosIndex(filepath.Join(t.TempDir(), "never-written"))
	got, err := idx.Load()
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() on missing file = %v, want empty", got)
	}
}

func TestPosIndexRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx")
	idx := newPosIndex(path)
	for _, p := range []int64{1, 2, 3} {
		idx.Append(p, false)
	}
	if err := idx.Remove(2, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, _ := idx.Load()
	want := []int64{1, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("after Remove(2), Load() = %v, want %v", got, want)
	}
}

func TestIntersectSortedPicksSmallestFirstRegardlessOfInputOrder(t *testing.T) {
	// The largest set is deliberately passed first: an implementation that
	// sorts sets to find a pivot but intersects in the original order would
	// degenerate into intersecting the large first set against itself.
	large := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	small := []int64{5, 9}

	got := intersectSorted([][]int64{large, small})
	want := []int64{5, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("intersectSorted = %v, want %v", got, want)
	}
}

func TestIntersectSortedThreeSets(t *testing.T) {
	a := []int64{1, 2, 3, 4, 5}
	b := []int64{2, 3, 4}
	c := []int64{3, 4, 9}
	got := intersectSorted([][]int64{a, b, c})
	want := []int64{3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("intersectSorted = %v, want %v", got, want)
	}
}

func TestIntersectSortedEmptyResult(t *testing.T) {
	a := []int64{1, 2}
	b := []int64{3, 4}
	got := intersectSorted([][]int64{a, b})
	if len(got) != 0 {
		t.Errorf("intersectSorted = %v, want empty", got)
	}
}

func TestUnionSortedDeduplicatesAndSorts(t *testing.T) {
	got := unionSorted([][]int64{{3, 1}, {2, 1}, {4}})
	want := []int64{1, 2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unionSorted = %v, want %v", got, want)
	}
}
