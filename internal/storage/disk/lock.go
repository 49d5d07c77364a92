package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

// lockExclusive takes the store-wide advisory write lock. It serializes
// check-then-write sequences across processes sharing the same root so CAS
// comparisons stay honest on shared mounts.
func (s *Store) lockExclusive() (func(), error) {
	path := filepath.Join(s.root, ".writelock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: open write lock: %w", err))
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, storage.NewTransientError(fmt.Errorf("disk: acquire write lock: %w", err))
	}
	return func() {
		_ = unlockFile(file)
		_ = file.Close()
	}, nil
}
