package patchlib

import (
	"fmt"
	"os"
)

// stubTextPatcher is a deterministic stand-in for the external text
// diff-match-patch contract (spec §6). The "patch blob" it produces is
// simply the new text itself; ApplyPatch returns that blob verbatim with
// a single successful hunk. Real diff/patch math is delegated to an
// external library per spec §1 — these tests only need the contract's
// shape, not a real diff algorithm.
type stubTextPatcher struct {
	// failApply, when set, makes every ApplyPatch report a failed hunk.
	failApply bool
}

func (s *stubTextPatcher) MakePatch(oldText, newText string) (string, error) {
	return newText, nil
}

func (s *stubTextPatcher) ApplyPatch(patch, text string) (string, []bool, error) {
	if s.failApply {
		return "", []bool{false}, nil
	}
	return patch, []bool{true}, nil
}

// stubBinaryPatcher is a deterministic stand-in for bsdiff/bspatch: Diff
// copies the new file's bytes verbatim into the patch output, and Patch
// copies the patch blob's bytes verbatim into the destination. This
// preserves the external-tool *contract* (three file paths, non-zero exit
// is an error) without needing the real bsdiff binary on PATH.
type stubBinaryPatcher struct {
	failDiff, failPatch bool
}

func (s *stubBinaryPatcher) Diff(oldPath, newPath, patchOutPath string) error {
	if s.failDiff {
		return fmt.Errorf("stub bsdiff: forced failure")
	}
	b, err := os.ReadFile(newPath)
	if err != nil {
		return err
	}
	return os.WriteFile(patchOutPath, b, 0o644)
}

func (s *stubBinaryPatcher) Patch(oldPath, newPath, patchPath string) error {
	if s.failPatch {
		return fmt.Errorf("stub bspatch: forced failure")
	}
	b, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	return os.WriteFile(newPath, b, 0o644)
}

func stubTools() Tools {
	return Tools{Binary: &stubBinaryPatcher{}, Text: &stubTextPatcher{}}
}
