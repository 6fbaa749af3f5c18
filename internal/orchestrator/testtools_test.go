package orchestrator

import (
	"os"

	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

// stubPatchTools is a deterministic stand-in for the external bsdiff and
// text diff-match-patch collaborators, used to exercise the orchestrator's
// merge/apply plumbing without a real bsdiff binary on PATH.
type stubPatchTools struct{}

func (stubPatchTools) Tools() patchlib.Tools {
	return patchlib.Tools{Binary: stubBinary{}, Text: stubText{}}
}

type stubBinary struct{}

func (stubBinary) Diff(oldPath, newPath, patchOutPath string) error {
	b, err := os.ReadFile(newPath)
	if err != nil {
		return err
	}
	return os.WriteFile(patchOutPath, b, 0o644)
}

func (stubBinary) Patch(oldPath, newPath, patchPath string) error {
	b, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	return os.WriteFile(newPath, b, 0o644)
}

type stubText struct{}

func (stubText) MakePatch(oldText, newText string) (string, error) {
	return newText, nil
}

func (stubText) ApplyPatch(patch, text string) (string, []bool, error) {
	return patch, []bool{true}, nil
}

func newDiffEngine(t stubPatchTools) *patchlib.DiffEngine {
	return &patchlib.DiffEngine{Tools: t.Tools()}
}
