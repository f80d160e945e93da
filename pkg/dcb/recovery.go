package dcb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/majormartintibor/dcbstore/internal/diag"
)

// recoverOnOpen implements spec.md §4.1/§7's IntegrityError recovery: if
// any event file exists above the ledger's LastSequencePosition (a crash
// between Reserve+WriteOne and Commit), those orphaned files are deleted.
// Append indexes each event before the ledger commit, so index files may
// also hold orphaned positions; every index entry above the ledger is
// dropped as well, so a position reused by the next Append is not matched
// through a stale entry.
func recoverOnOpen(l *ledger, contextDir string, logger func(position, ledgerPos int64)) error {
	ledgerPos := l.Load()
	highest, orphans, err := scanOrphanedEventFiles(contextDir, ledgerPos)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	if logger != nil {
		logger(highest, ledgerPos)
	}

	for _, path := range orphans {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &ResourceError{
				EventStoreError: EventStoreError{Op: "recoverOnOpen", Err: err},
				Resource:        path,
			}
		}
	}

	if err := filepath.WalkDir(filepath.Join(contextDir, "indices"), func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		idx := newPosIndex(path)
		positions, err := idx.Load()
		if err != nil {
			return err
		}
		if kept := capPositions(positions, ledgerPos); len(kept) != len(positions) {
			return idx.persist(kept, true)
		}
		return nil
	}); err != nil {
		return err
	}

	l.resetReservationTo(ledgerPos)
	return nil
}

// scanOrphanedEventFiles walks the events directory and returns the
// highest position found on disk plus the file paths for every position
// strictly greater than ledgerPos.
func scanOrphanedEventFiles(contextDir string, ledgerPos int64) (int64, []string, error) {
	root := eventsDir(contextDir)
	var highest int64
	var orphans []string

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, eventsExt) {
			return nil
		}
		name := strings.TrimSuffix(filepath.Base(path), eventsExt)
		pos, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return nil
		}
		if pos > highest {
			highest = pos
		}
		if pos > ledgerPos {
			orphans = append(orphans, path)
		}
		return nil
	})
	if err != nil {
		return 0, nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "scanOrphanedEventFiles", Err: err},
			Resource:        root,
		}
	}
	return highest, orphans, nil
}

// warnIntegrityRecovery logs the standard recovery warning, per spec.md
// §7's "Log a warning" instruction for IntegrityError.
func warnIntegrityRecovery(component string, highest, ledgerPos int64) {
	diag.WithComponent(component).Warn().
		Int64("highest_on_disk", highest).
		Int64("ledger_position", ledgerPos).
		Msg("truncating event files orphaned by a crash between write and ledger commit")
}
