package dcb

import (
	"strings"
	"testing"
)

func TestSanitizeIndexKeyEscapesPathSeparators(t *testing.T) {
	cases := map[string]string{
		"course_id":     "course_id",
		"a/b":           "a%2Fb",
		`a\b`:           "a%5Cb",
		"a:b":           "a%3Ab",
		"":              "%00EMPTY",
		"plain-value_1": "plain-value_1",
	}
	for in, want := range cases {
		if got := sanitizeIndexKey(in); got != want {
			t.Errorf("sanitizeIndexKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeIndexKeyNeverProducesPathSeparator(t *testing.T) {
	for _, in := range []string{"a/b/c", `a\b\c`, "x:y:z"} {
		out := sanitizeIndexKey(in)
		if strings.ContainsAny(out, `/\`) {
			t.Errorf("sanitizeIndexKey(%q) = %q still contains a path separator", in, out)
		}
	}
}

func TestEventFilePathIsLexicographicallyOrderedWithPosition(t *testing.T) {
	root := "/store/ctx"
	p1 := eventFilePath(root, 1)
	p2 := eventFilePath(root, 2)
	p1000 := eventFilePath(root, 1000)

	if !(p1 < p2 && p2 < p1000) {
		t.Errorf("expected lexicographic order to match numeric order, got %q, %q, %q", p1, p2, p1000)
	}
}

func TestBucketForGroupsContiguousPositions(t *testing.T) {
	if bucketFor(1) != bucketFor(bucketSize) {
		t.Errorf("position 1 and position %d should share a bucket", bucketSize)
	}
	if bucketFor(bucketSize) == bucketFor(bucketSize+1) {
		t.Errorf("position %d and %d should be in different buckets", bucketSize, bucketSize+1)
	}
}

func TestContextDirJoinsRootAndContext(t *testing.T) {
	opts := Options{RootPath: "/var/lib/dcb", Context: "orders"}
	got := ContextDir(opts)
	want := "/var/lib/dcb/orders"
	if got != want {
		t.Errorf("ContextDir() = %q, want %q", got, want)
	}
}
