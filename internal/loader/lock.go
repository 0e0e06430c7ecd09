package loader

import (
	"path/filepath"

	"github.com/juju/fslock"
)

// lockFileName is the advisory lock file SaveLock creates next to the tree
// root. It guards the process against two of its own goroutines (or two
// separate processes) calling a save operation on the same tree
// concurrently; the core itself is single-threaded cooperative and performs
// no internal locking of forest state (§5), so this exists purely to keep
// the filesystem side effects of a save pass from interleaving.
const lockFileName = ".gemato.lock"

// SaveLock acquires the tree's advisory save lock, blocking until it is
// available. The returned lock must be released by the caller once the save
// pass (and its filesystem side effects) are complete.
func (f *Forest) SaveLock() (*fslock.Lock, error) {
	path := filepath.Join(f.rootDir, lockFileName)
	debugf("loader: acquiring save lock %s", path)
	lock := fslock.New(path)
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}
