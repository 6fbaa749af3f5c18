package patchlib

import (
	"fmt"
	"path/filepath"

	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/spf13/afero"
)

// MergeEngine folds an ordered sequence of patch archives against a
// read-only live source tree into a single staged overlay directory plus
// an accumulated deletion list (spec §4.5 — the heart of the system).
//
// Text and binary patches never chain through the binary format:
// intermediate states live on disk as full file contents under
// outDir/files, so archive i+1 reads the fully-materialized output of
// archive i. srcDir is never written to; every write goes to outDir or a
// private per-archive temporary directory.
type MergeEngine struct {
	// Fs is the filesystem holding srcDir, outDir, and the archives'
	// extraction scratch space. Defaults to the OS filesystem.
	Fs afero.Fs
	// Tools supplies bspatch and the text patch-apply collaborator.
	Tools Tools
	// Log receives progress messages; a NopLogger is used if nil.
	Log logger.Logger
}

func (m *MergeEngine) fs() afero.Fs {
	if m.Fs == nil {
		return afero.NewOsFs()
	}
	return m.Fs
}

func (m *MergeEngine) log() logger.Logger {
	if m.Log == nil {
		return logger.NewNopLogger()
	}
	return m.Log
}

// Merge folds archives (in order, P1..Pn) against srcDir into a staged
// overlay written at outDir. MergeEngine MUST NOT reorder archives — the
// caller's slice order is the patch order.
func (m *MergeEngine) Merge(srcDir, outDir string, archives []string) error {
	fs := m.fs()
	filesDir := filepath.Join(outDir, "files")
	if err := fs.MkdirAll(filesDir, 0o755); err != nil {
		return &OpError{Op: "merge", Err: err}
	}

	deleted := newOrderedSet()

	for _, archivePath := range archives {
		if err := m.foldOne(fs, srcDir, filesDir, archivePath, deleted); err != nil {
			return err
		}
	}

	manifest := &Manifest{Deleted: deleted.items()}
	return writeManifestFile(fs, outDir, manifest)
}

func (m *MergeEngine) foldOne(fs afero.Fs, srcDir, filesDir, archivePath string, deleted *orderedSet) error {
	scratch, err := afero.TempDir(fs, "", "patchlib-merge-")
	if err != nil {
		return &OpError{Op: "merge", Err: err}
	}
	defer fs.RemoveAll(scratch)

	arc := &Archive{Fs: fs}
	if err := arc.Extract(archivePath, scratch); err != nil {
		return &OpError{Op: "merge", Err: err}
	}
	manifest, err := arc.readManifest(scratch)
	if err != nil {
		return &PatchError{Path: archivePath, Err: err}
	}

	for _, rel := range manifest.SortedPaths() {
		entry := manifest.Entries[rel]
		if entry.IsNew() {
			if err := m.resurrect(fs, scratch, filesDir, rel, entry, deleted); err != nil {
				return err
			}
			continue
		}
		if err := m.applyPatch(fs, srcDir, filesDir, scratch, rel, entry); err != nil {
			return err
		}
	}

	for _, rel := range manifest.Deleted {
		m.foldDeletion(fs, filesDir, rel, deleted)
	}
	return nil
}

// resurrect handles a newfs/ entry: copy it into the overlay, overwriting
// any previous overlay content, and remove it from the accumulated
// deletion set if a prior archive had deleted it (spec §4.5 step 2, tie-
// break case "resurrection").
func (m *MergeEngine) resurrect(fs afero.Fs, scratch, filesDir, rel string, entry ManifestEntry, deleted *orderedSet) error {
	src := filepath.Join(scratch, "newfs", filepath.FromSlash(rel))
	dst := filepath.Join(filesDir, filepath.FromSlash(rel))
	if err := copyFile(fs, src, dst); err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	sum, err := fileMD5(fs, dst)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	if sum != entry.PatchedMD5 {
		return &PatchError{Path: rel, Err: fmt.Errorf("new file md5 mismatch: manifest %s, got %s", entry.PatchedMD5, sum)}
	}
	if err := m.strongVerify(fs, dst, rel); err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	deleted.remove(rel)
	m.log().Info("merge: %s resurrected/created", rel)
	return nil
}

// strongVerify recomputes the blake2b-256 digest of an overlay file just
// written and logs it as the stronger hash listed beside the wire-format
// MD5 in SPEC_FULL.md §3. The digest is not compared against any expected
// value; strongVerify fails only when the file cannot be read back.
func (m *MergeEngine) strongVerify(fs afero.Fs, path, rel string) error {
	sum, err := strongHashFileFs(fs, path)
	if err != nil {
		return err
	}
	m.log().Info("merge: %s blake2b-256 %s", rel, sum)
	return nil
}

// applyPatch handles a patchfs/<rel> entry: determine toPatch (overlay if
// present, else the live source tree), verify its pre-image hash, dispatch
// on entry.Type, and verify the resulting post-image hash (spec §4.5
// step 3).
func (m *MergeEngine) applyPatch(fs afero.Fs, srcDir, filesDir, scratch, rel string, entry ManifestEntry) error {
	overlayPath := filepath.Join(filesDir, filepath.FromSlash(rel))
	toPatch := overlayPath
	if exists, err := afero.Exists(fs, overlayPath); err != nil {
		return &PatchError{Path: rel, Err: err}
	} else if !exists {
		toPatch = filepath.Join(srcDir, filepath.FromSlash(rel))
	}

	exists, err := afero.Exists(fs, toPatch)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	if !exists {
		return &PatchError{Path: rel, Err: fmt.Errorf("patch target does not exist: %s", rel)}
	}

	sum, err := fileMD5(fs, toPatch)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	if sum != entry.OldMD5 {
		return &PatchError{Path: rel, Err: fmt.Errorf("pre-image md5 mismatch for %s: manifest %s, found %s", rel, entry.OldMD5, sum)}
	}

	if err := fs.MkdirAll(filepath.Dir(overlayPath), 0o755); err != nil {
		return &PatchError{Path: rel, Err: err}
	}

	switch entry.Type {
	case EntryTypeBsdiff:
		patchBlob := filepath.Join(scratch, "patchfs", filepath.FromSlash(rel))
		if err := m.Tools.Binary.Patch(toPatch, overlayPath, patchBlob); err != nil {
			return &PatchError{Path: rel, Err: err}
		}
	case EntryTypeText:
		if err := m.applyTextPatch(fs, scratch, rel, toPatch, overlayPath); err != nil {
			return err
		}
	default:
		return &PatchError{Path: rel, Err: fmt.Errorf("%w: %q", ErrUnknownEntryType, entry.Type)}
	}

	newSum, err := fileMD5(fs, overlayPath)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	if newSum != entry.PatchedMD5 {
		return &PatchError{Path: rel, Err: fmt.Errorf("post-image md5 mismatch for %s: manifest %s, got %s", rel, entry.PatchedMD5, newSum)}
	}
	if err := m.strongVerify(fs, overlayPath, rel); err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	m.log().Info("merge: %s patched (%s)", rel, entry.Type)
	return nil
}

func (m *MergeEngine) applyTextPatch(fs afero.Fs, scratch, rel, toPatch, overlayPath string) error {
	patchBlobPath := filepath.Join(scratch, "patchfs", filepath.FromSlash(rel))
	patchBlob, err := afero.ReadFile(fs, patchBlobPath)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	oldText, err := afero.ReadFile(fs, toPatch)
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	patched, hunkOK, err := m.Tools.Text.ApplyPatch(string(patchBlob), string(oldText))
	if err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	for i, ok := range hunkOK {
		if !ok {
			return &PatchError{Path: rel, Err: fmt.Errorf("hunk %d failed to apply", i)}
		}
	}
	if err := afero.WriteFile(fs, overlayPath, []byte(patched), 0o644); err != nil {
		return &PatchError{Path: rel, Err: err}
	}
	return nil
}

// foldDeletion folds one deleted path from the current archive into the
// accumulated set, removing any overlay content left by an earlier
// archive in the same merge run (tie-break case: "a file patched in Pi
// then deleted in Pj is removed from O/files/ ... but must remain in D").
func (m *MergeEngine) foldDeletion(fs afero.Fs, filesDir, rel string, deleted *orderedSet) {
	overlayPath := filepath.Join(filesDir, filepath.FromSlash(rel))
	if exists, _ := afero.Exists(fs, overlayPath); exists {
		fs.Remove(overlayPath)
	}
	deleted.add(rel)
	m.log().Info("merge: %s deleted", rel)
}

// orderedSet is a minimal insertion-ordered string set used to accumulate
// the deletion list deterministically across a merge run.
type orderedSet struct {
	items_ []string
	index  map[string]int
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]int)}
}

func (s *orderedSet) add(v string) {
	if _, ok := s.index[v]; ok {
		return
	}
	s.index[v] = len(s.items_)
	s.items_ = append(s.items_, v)
}

func (s *orderedSet) remove(v string) {
	i, ok := s.index[v]
	if !ok {
		return
	}
	s.items_ = append(s.items_[:i], s.items_[i+1:]...)
	delete(s.index, v)
	for j := i; j < len(s.items_); j++ {
		s.index[s.items_[j]] = j
	}
}

func (s *orderedSet) items() []string {
	out := make([]string, len(s.items_))
	copy(out, s.items_)
	return out
}
