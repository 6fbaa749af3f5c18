package downloadlib

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

// OnProgress is called after every chunk written to disk, with the
// destination path and total bytes written so far. Supplementing the
// distilled spec: the original implementation reports progress through a
// callback of this shape (SPEC_FULL.md §6).
type OnProgress func(dstPath string, written, total int64)

// OnComplete is invoked once the downloader's job channel has drained back
// to empty, with the destination paths that finished successfully since the
// previous call (spec §4.2: "on completion of the entire queue, invokes a
// caller-supplied callback with the list of dst paths that this instance
// finished"). The orchestrator's online phase hangs its merge step off this
// callback instead of polling.
type OnComplete func(finished []string)

// ResumableDownloader drains a Store's pending queue through a single
// background goroutine — not a pool — per SPEC_FULL.md §5.2: one in-flight
// transfer at a time keeps staging-directory locking trivial and matches
// warplib's single-Downloader-per-hash model without its multi-part-per-
// file concurrency, which this system does not need.
type ResumableDownloader struct {
	Store      *Store
	StagingDir string
	Router     *Router
	Log        logger.Logger
	RateLimit  int64 // KB/s, 0 = unlimited
	OnProgress OnProgress
	OnComplete OnComplete

	jobs     chan string
	lock     *StagingLock
	wg       sync.WaitGroup
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex
	finished []string
}

// NewResumableDownloader builds a downloader rooted at stagingDir, guarded
// by a StagingLock on that directory.
func NewResumableDownloader(store *Store, stagingDir string, router *Router) *ResumableDownloader {
	return &ResumableDownloader{
		Store:      store,
		StagingDir: stagingDir,
		Router:     router,
		lock:       NewStagingLock(stagingDir),
		jobs:       make(chan string, 64),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (d *ResumableDownloader) log() logger.Logger {
	if d.Log == nil {
		return logger.NewNopLogger()
	}
	return d.Log
}

// Start acquires the staging-directory lock and launches the background
// daemon goroutine that drains Store. Returns an error wrapping
// patchlib.ErrLocked if another downloader already holds the directory.
func (d *ResumableDownloader) Start() error {
	if err := ReapStale(d.StagingDir); err != nil {
		return fmt.Errorf("downloadlib: reap stale lock: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("downloadlib: staging dir %s: %w", d.StagingDir, patchlib.ErrLocked)
	}

	pending, err := d.Store.AllPending()
	if err != nil {
		d.lock.Unlock()
		return err
	}

	d.wg.Add(1)
	go d.run()

	for _, rec := range pending {
		d.Enqueue(rec.DstPath)
	}
	return nil
}

// Enqueue schedules dstPath (already present in Store) for transfer.
// Non-blocking: if the job channel is full the caller should retry later.
func (d *ResumableDownloader) Enqueue(dstPath string) bool {
	select {
	case d.jobs <- dstPath:
		return true
	default:
		return false
	}
}

// Stop signals the daemon goroutine to exit, then releases the staging
// lock. A transfer in progress stops after its current chunk; its tmp file
// is kept and the row stays pending, so a later run resumes it.
func (d *ResumableDownloader) Stop() {
	close(d.stop)
	d.wg.Wait()
	d.lock.Unlock()
}

func (d *ResumableDownloader) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case dstPath := <-d.jobs:
			if err := d.transfer(dstPath); err != nil {
				d.log().Warning("downloadlib: transfer %s: %s", dstPath, err)
				d.Store.MarkError(dstPath, err)
			} else {
				d.mu.Lock()
				d.finished = append(d.finished, dstPath)
				d.mu.Unlock()
			}
			d.maybeFireOnComplete()
		}
	}
}

// maybeFireOnComplete invokes OnComplete once the job channel has drained,
// handing back every dst path that finished since the last firing. The
// channel-empty check is a point-in-time snapshot: a concurrent Enqueue
// racing this check simply gets picked up by the next drain.
func (d *ResumableDownloader) maybeFireOnComplete() {
	if d.OnComplete == nil || len(d.jobs) != 0 {
		return
	}
	d.mu.Lock()
	done := d.finished
	d.finished = nil
	d.mu.Unlock()
	if len(done) > 0 {
		d.OnComplete(done)
	}
}

// transfer performs one resumable fetch: it reopens the record's tmp path
// for append, asks the Router to fetch starting at the current tmp-file
// size (HTTP Range: bytes=<size>- semantics, spec §4.2), streams through
// the rate limiter to disk, checkpointing progress in Store as it goes, and
// only renames tmp to dst once the whole transfer is done — so dstPath's
// existence is always proof of a complete download, never a partial one.
func (d *ResumableDownloader) transfer(dstPath string) error {
	rec, err := d.Store.Get(dstPath)
	if err != nil {
		return err
	}
	tmpPath := rec.TmpPath
	if tmpPath == "" {
		tmpPath = dstPath + ".download"
	}

	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}

	body, total, err := d.Router.Fetch(rec.URL, offset)
	if err != nil {
		f.Close()
		return err
	}
	defer body.Close()

	src := io.Reader(body)
	if d.RateLimit > 0 {
		src = NewRateLimitedReader(body, d.RateLimit)
	}

	written := offset
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-d.stop:
			f.Close()
			return fmt.Errorf("downloadlib: stopped before %s completed", dstPath)
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return werr
			}
			written += int64(n)
			d.Store.UpdateProgress(dstPath, written)
			if d.OnProgress != nil {
				d.OnProgress(dstPath, written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return rerr
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("downloadlib: rename %s to %s: %w", tmpPath, dstPath, err)
	}
	d.log().Info("downloadlib: %s complete (%s)", dstPath, patchlib.ContentSize(written))
	return d.Store.MarkDone(dstPath)
}

// WaitIdle blocks until the job channel is drained or timeout elapses —
// used by tests and by the orchestrator's "has patches still downloading"
// check. A drained channel means every job has been taken off the queue;
// the last one taken may still be transferring when WaitIdle returns.
func (d *ResumableDownloader) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(d.jobs) == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return len(d.jobs) == 0
}
