package dcb

import "github.com/majormartintibor/dcbstore/internal/atomicfile"

// writeFileAtomic is the dcb-local adapter over internal/atomicfile,
// translating its plain errors into the store's *ResourceError kind.
func writeFileAtomic(path string, data []byte, flush bool) error {
	if err := atomicfile.Write(path, data, flush); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "writeFileAtomic", Err: err},
			Resource:        path,
		}
	}
	return nil
}
