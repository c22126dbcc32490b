// Package runlock keeps two runs of the same sync type apart with an
// advisory flock on a per-type lock file.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/xtxerr/adsync/internal/errors"
)

// Lock is a held run lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the lock file path for syncType in dir.
func Path(dir, syncType string) string {
	return filepath.Join(dir, syncType+".lock")
}

// Acquire takes the lock of syncType without blocking. It fails with
// errors.ErrLocked when another process holds it.
func Acquire(dir, syncType string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := Path(dir, syncType)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrapf(errors.ErrLocked, "%s", syncType)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// The pid is informational; the flock is the lock.
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. The lock file stays.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
