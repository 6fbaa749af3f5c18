// Package patchlib implements the patch archive format, merge engine, and
// apply engine at the heart of the selfpatch update system: folding an
// ordered sequence of patch archives against a live source tree into a
// staged overlay, then swapping that overlay into place. See SPEC_FULL.md
// §4-§6 for the data model and component design this package realizes.
package patchlib

// Archive member names. These are process-wide constants, not per-instance
// configuration: the archive format is fixed by the wire contract in
// SPEC_FULL.md §4.1, unlike the orchestrator's config path which is owned by
// the caller.
const (
	ManifestName  = "cfg.json"
	PatchFSPrefix = "patchfs/"
	NewFSPrefix   = "newfs/"

	// ArchiveExt is the recognized, informational extension for a patch
	// archive. The format is a zip file regardless of extension.
	ArchiveExt = ".cpatch"
)

// classifySampleSize is the number of leading bytes inspected by the
// text/binary classifier (spec §4.4 step 2).
const classifySampleSize = 1024

// binaryFractionThreshold is the fraction of non-text bytes in the sample
// above which a file is classified as binary.
const binaryFractionThreshold = 0.30
