package projection

import (
	"os"
	"strconv"
	"strings"

	"github.com/majormartintibor/dcbstore/internal/atomicfile"
	"github.com/majormartintibor/dcbstore/pkg/dcb"
)

// CheckpointStore is C9: one small file per projection holding the
// highest event position it has processed.
type CheckpointStore struct {
	contextDir string
	flush      bool
}

// NewCheckpointStore opens the checkpoint store for a context directory.
func NewCheckpointStore(contextDir string, flush bool) *CheckpointStore {
	return &CheckpointStore{contextDir: contextDir, flush: flush}
}

// Get returns name's checkpoint, or 0 if it has never been saved.
func (c *CheckpointStore) Get(name string) (int64, error) {
	path := checkpointPath(c.contextDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "CheckpointStore.Get", Err: err},
			Resource:        path,
		}
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pos, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "CheckpointStore.Get", Err: err},
			Resource:        path,
		}
	}
	return pos, nil
}

// Save persists name's checkpoint atomically.
func (c *CheckpointStore) Save(name string, position int64) error {
	path := checkpointPath(c.contextDir, name)
	if err := atomicfile.Write(path, []byte(strconv.FormatInt(position, 10)), c.flush); err != nil {
		return &dcb.ResourceError{
			EventStoreError: dcb.EventStoreError{Op: "CheckpointStore.Save", Err: err},
			Resource:        path,
		}
	}
	return nil
}
