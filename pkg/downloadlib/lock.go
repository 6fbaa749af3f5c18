package downloadlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

// staleAfter is how long a staging directory lock file may sit untouched
// before ReapStale reclaims it on the assumption that whatever process held
// it crashed without releasing it (spec §4.2, §5: "stale locks, 24h").
const staleAfter = 24 * time.Hour

// StagingLock guards one staging directory against concurrent
// ResumableDownloader instances, combining an in-process channel token with
// a cross-process flock(2) so a single *StagingLock value also serializes
// goroutines within this process. Modeled on the cross-process/in-process
// combo lock pattern used for container runtime locking in the reference
// pack; gofrs/flock supplies the syscall layer here instead of a hand-rolled
// one.
type StagingLock struct {
	path string
	ch   chan struct{}
	fl   *flock.Flock
}

// NewStagingLock returns a lock guarding dir, held via dir/.lock.
func NewStagingLock(dir string) *StagingLock {
	return &StagingLock{path: filepath.Join(dir, ".lock"), ch: make(chan struct{}, 1)}
}

// TryLock makes one non-blocking acquisition attempt. A false, nil result
// means the directory is currently held by another downloader.
func (l *StagingLock) TryLock() (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		<-l.ch
		return false, fmt.Errorf("%w: flock %s: %s", patchlib.ErrLocked, l.path, err)
	}
	if !ok {
		<-l.ch
		return false, nil
	}
	l.fl = fl
	return true, nil
}

// Lock blocks, retrying TryLock, until ctx is cancelled or the lock is
// acquired.
func (l *StagingLock) Lock(ctx context.Context) error {
	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire staging lock %s: %w", l.path, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Unlock releases the lock, touching nothing if it was never acquired.
func (l *StagingLock) Unlock() error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	return err
}

// ReapStale removes the lock file at dir/.lock if its mtime is older than
// staleAfter, on the theory that the process holding it died without
// releasing the flock. Safe to call whether or not the lock is currently
// held by a live process: flock is advisory, so an unlink of a file nobody
// still has open just means the next TryLock creates a fresh one.
func ReapStale(dir string) error {
	path := filepath.Join(dir, ".lock")
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if time.Since(info.ModTime()) < staleAfter {
		return nil
	}
	return os.Remove(path)
}
