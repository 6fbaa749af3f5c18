package patchlib

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DMPTextPatcher is the production TextPatcher: it wraps
// github.com/sergi/go-diff/diffmatchpatch, the maintained Go port of
// Google's diff-match-patch, behind the MakePatch/ApplyPatch contract
// (spec §1, §6: "the text diff-match-patch library is consumed as a
// library contract, not reimplemented").
type DMPTextPatcher struct{}

func (DMPTextPatcher) dmp() *diffmatchpatch.DiffMatchPatch {
	return diffmatchpatch.New()
}

// MakePatch implements TextPatcher.
func (p DMPTextPatcher) MakePatch(oldText, newText string) (string, error) {
	dmp := p.dmp()
	diffs := dmp.DiffMain(oldText, newText, false)
	patches := dmp.PatchMake(oldText, diffs)
	return dmp.PatchToText(patches), nil
}

// ApplyPatch implements TextPatcher. All entries of hunkOK must be true for
// the merge engine to accept the result (merge.go's applyTextPatch).
func (p DMPTextPatcher) ApplyPatch(patch, text string) (string, []bool, error) {
	dmp := p.dmp()
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		return "", nil, fmt.Errorf("patchlib: decode text patch: %w", err)
	}
	patched, hunkOK := dmp.PatchApply(patches, text)
	return patched, hunkOK, nil
}

var _ TextPatcher = DMPTextPatcher{}
