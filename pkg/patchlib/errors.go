package patchlib

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers should use errors.Is against these where the
// spec calls for a specific error kind (DiffError, PatchError, LockError,
// generic Error, BrokenError).
var (
	// ErrLocked is returned when a staging directory is already held by
	// another ResumableDownloader instance.
	ErrLocked = errors.New("patchlib: resource is locked")

	// ErrBroken is the sentinel wrapped by BrokenError. Once observed,
	// callers must not invoke the orchestrator again without manual repair.
	ErrBroken = errors.New("patchlib: update state is broken")

	// ErrInvalidArchive is returned by Archive.Write when the input tree
	// violates the manifest invariants of §3.
	ErrInvalidArchive = errors.New("patchlib: archive violates manifest invariants")

	// ErrUnknownEntryType is returned by the merge engine when a manifest
	// entry names an entry type other than "text" or "bsdiff".
	ErrUnknownEntryType = errors.New("patchlib: unknown manifest entry type")
)

// DiffError wraps a failure of an external diff tool (bsdiff or the text
// diff-match-patch contract) during archive creation. It never marks an
// orchestrator broken; it is surfaced directly to the caller of Diff.
type DiffError struct {
	Path string
	Err  error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("patchlib: diff %s: %s", e.Path, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// PatchError wraps an integrity or merge failure encountered while folding
// an archive against a live source tree (MergeEngine). It is surfaced to
// the orchestrator's online phase as a generic Error per spec §7.
type PatchError struct {
	Path string
	Err  error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patchlib: patch %s: %s", e.Path, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

// BrokenError marks the orchestrator's indeterminate, unrecoverable state.
// The orchestrator persists Config.Broken=true when a patch step returns
// one; the BrokenError that Bootstrap builds from a recovered panic is not
// persisted.
type BrokenError struct {
	Reason string
	Err    error
}

func (e *BrokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("patchlib: broken: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("patchlib: broken: %s", e.Reason)
}

func (e *BrokenError) Unwrap() error { return errors.Join(ErrBroken, e.Err) }

// OpError is the generic recoverable "Error" kind of spec §7: bad paths,
// filesystem issues, and similar conditions the caller may retry.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("patchlib: %s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
