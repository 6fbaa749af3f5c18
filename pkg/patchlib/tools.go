package patchlib

import (
	"fmt"
	"os/exec"
)

// BinaryPatcher wraps invocation of the external bsdiff/bspatch binaries
// behind an interface so tests can stub them (spec §9: "wrap bsdiff/bspatch
// behind an interface so tests can stub them; real implementation spawns a
// blocking child and inspects its exit code").
type BinaryPatcher interface {
	// Diff invokes `bsdiff oldPath newPath patchOutPath`. A non-zero exit
	// code is always an error (spec §6).
	Diff(oldPath, newPath, patchOutPath string) error
	// Patch invokes `bspatch oldPath newPath patchPath`.
	Patch(oldPath, newPath, patchPath string) error
}

// TextPatcher is the text diff-match-patch contract consumed as a library
// (spec §1, §6): given old and new text, produce a serializable patch blob;
// given a patch blob and source text, apply it and report a per-hunk
// success vector.
type TextPatcher interface {
	// MakePatch produces a serializable patch blob transforming oldText
	// into newText.
	MakePatch(oldText, newText string) (patch string, err error)
	// ApplyPatch applies patch to text, returning the patched text and one
	// success flag per hunk. All-hunks-true is required for the merge
	// engine to consider the patch successful.
	ApplyPatch(patch, text string) (patched string, hunkOK []bool, err error)
}

// Tools bundles the two external collaborators a Diff/Merge call needs.
type Tools struct {
	Binary BinaryPatcher
	Text   TextPatcher
}

// ExecBinaryPatcher is the production BinaryPatcher: it shells out to the
// `bsdiff`/`bspatch` executables found on PATH, blocking until they exit.
type ExecBinaryPatcher struct {
	// BsdiffPath and BspatchPath override the executable names looked up on
	// PATH. Empty means "bsdiff"/"bspatch".
	BsdiffPath, BspatchPath string
}

func (p ExecBinaryPatcher) bsdiff() string {
	if p.BsdiffPath != "" {
		return p.BsdiffPath
	}
	return "bsdiff"
}

func (p ExecBinaryPatcher) bspatch() string {
	if p.BspatchPath != "" {
		return p.BspatchPath
	}
	return "bspatch"
}

// Diff implements BinaryPatcher.
func (p ExecBinaryPatcher) Diff(oldPath, newPath, patchOutPath string) error {
	return runExit0(p.bsdiff(), oldPath, newPath, patchOutPath)
}

// Patch implements BinaryPatcher.
func (p ExecBinaryPatcher) Patch(oldPath, newPath, patchPath string) error {
	return runExit0(p.bspatch(), oldPath, newPath, patchPath)
}

func runExit0(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

var _ BinaryPatcher = ExecBinaryPatcher{}
