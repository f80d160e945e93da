package dcb

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Layout constants per SPEC_FULL.md's on-disk layout.
const (
	lockFileName   = ".store.lock"
	ledgerFileName = "ledger.dat"
	eventsDirName  = "events"
	eventsExt      = ".evt"

	eventTypeIndexDir = "indices/eventtypes"
	tagIndexDir       = "indices/tags"

	// positionWidth is the zero-padded width of a position in an event
	// file name, chosen so lexicographic order matches numeric order up
	// to 10^18 positions.
	positionWidth = 19

	// bucketSize groups events into subdirectories of this many
	// positions each, so no single directory holds an unbounded number
	// of entries.
	bucketSize = 10_000
)

func contextRoot(rootPath, context string) string {
	return filepath.Join(rootPath, context)
}

// ContextDir returns the on-disk directory a store opened with opts lives
// in, for components that share the store's directory tree without being
// part of the core log (the projection engine's projections/ and
// _checkpoints/ subtrees).
func ContextDir(opts Options) string {
	return contextRoot(opts.RootPath, opts.Context)
}

func lockFilePath(contextDir string) string {
	return filepath.Join(contextDir, lockFileName)
}

func ledgerFilePath(contextDir string) string {
	return filepath.Join(contextDir, ledgerFileName)
}

func eventsDir(contextDir string) string {
	return filepath.Join(contextDir, eventsDirName)
}

func bucketFor(position int64) string {
	bucket := (position - 1) / bucketSize
	return fmt.Sprintf("%010d", bucket)
}

func eventFilePath(contextDir string, position int64) string {
	return filepath.Join(eventsDir(contextDir), bucketFor(position), formatPosition(position)+eventsExt)
}

func formatPosition(position int64) string {
	return fmt.Sprintf("%0*d", positionWidth, position)
}

func eventTypeIndexFile(contextDir, eventType string) string {
	return filepath.Join(contextDir, eventTypeIndexDir, sanitizeIndexKey(eventType))
}

func tagIndexFile(contextDir, key, value string) string {
	return filepath.Join(contextDir, tagIndexDir, sanitizeIndexKey(key), sanitizeIndexKey(value))
}

// sanitizeIndexKey makes a tag/type/projection key safe to use as a single
// path component: path separators, ':', '%' itself and NUL (the one byte
// invalid on every platform, per spec.md §4.12) are percent-escaped, and
// the names "." and ".." are escaped whole, so distinct logical keys never
// collide on disk and never escape their directory.
func sanitizeIndexKey(s string) string {
	if s == "." || s == ".." {
		return strings.Repeat("%2E", len(s))
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/' || c == '\\' || c == 0 || c == ':' || c == '%':
			out = append(out, fmt.Sprintf("%%%02X", c)...)
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "%00EMPTY"
	}
	return string(out)
}
