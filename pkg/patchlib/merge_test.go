package patchlib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func diffMergeApply(t *testing.T, oldDir, newDir string) (srcDir string) {
	t.Helper()
	tmp := t.TempDir()
	archivePath := filepath.Join(tmp, "p1"+ArchiveExt)

	de := &DiffEngine{Tools: stubTools()}
	require.NoError(t, de.Diff(oldDir, newDir, archivePath))

	overlay := filepath.Join(tmp, "overlay")
	me := &MergeEngine{Tools: stubTools()}
	require.NoError(t, me.Merge(oldDir, overlay, []string{archivePath}))

	ae := &ApplyEngine{}
	require.NoError(t, ae.Apply(oldDir, overlay))
	return oldDir
}

// Scenario 1: new file.
func TestScenarioNewFile(t *testing.T) {
	oldDir, newDir := t.TempDir(), t.TempDir()
	writeTree(t, newDir, map[string]string{"new.file": "some text"})

	diffMergeApply(t, oldDir, newDir)

	b, err := os.ReadFile(filepath.Join(oldDir, "new.file"))
	require.NoError(t, err)
	require.Equal(t, "some text", string(b))
}

// Scenario 2: text patch.
func TestScenarioTextPatch(t *testing.T) {
	oldDir, newDir := t.TempDir(), t.TempDir()
	writeTree(t, oldDir, map[string]string{"patched.file": "some text"})
	writeTree(t, newDir, map[string]string{"patched.file": "some more text"})

	diffMergeApply(t, oldDir, newDir)

	b, err := os.ReadFile(filepath.Join(oldDir, "patched.file"))
	require.NoError(t, err)
	require.Equal(t, "some more text", string(b))
}

// Scenario 3: binary patch — the classifier must call this binary, and
// the round trip must reproduce the new content byte-for-byte.
func TestScenarioBinaryPatch(t *testing.T) {
	oldDir, newDir := t.TempDir(), t.TempDir()
	oldContent := "\x00This is \x00a binary file"
	newContent := "\x00This is \x00a newer binary file"
	writeTree(t, oldDir, map[string]string{"patched.file": oldContent})
	writeTree(t, newDir, map[string]string{"patched.file": newContent})

	kind, err := ClassifyFile(filepath.Join(newDir, "patched.file"))
	require.NoError(t, err)
	require.Equal(t, KindBinary, kind)

	diffMergeApply(t, oldDir, newDir)

	b, err := os.ReadFile(filepath.Join(oldDir, "patched.file"))
	require.NoError(t, err)
	require.Equal(t, newContent, string(b))
}

// Scenario 4: two-step chain.
func TestScenarioTwoStepChain(t *testing.T) {
	d0, d1, d2 := t.TempDir(), t.TempDir(), t.TempDir()
	writeTree(t, d0, map[string]string{"patched.file": "This is some text0"})
	writeTree(t, d1, map[string]string{"patched.file": "This is some text1"})
	writeTree(t, d2, map[string]string{"patched.file": "This is some text2"})

	tmp := t.TempDir()
	p1 := filepath.Join(tmp, "p1"+ArchiveExt)
	p2 := filepath.Join(tmp, "p2"+ArchiveExt)

	de := &DiffEngine{Tools: stubTools()}
	require.NoError(t, de.Diff(d0, d1, p1))
	require.NoError(t, de.Diff(d1, d2, p2))

	overlay := filepath.Join(tmp, "overlay")
	me := &MergeEngine{Tools: stubTools()}
	require.NoError(t, me.Merge(d0, overlay, []string{p1, p2}))

	ae := &ApplyEngine{}
	require.NoError(t, ae.Apply(d0, overlay))

	b, err := os.ReadFile(filepath.Join(d0, "patched.file"))
	require.NoError(t, err)
	require.Equal(t, "This is some text2", string(b))
}

// Scenario 5: resurrection — P1 deletes a.txt, P2 creates a.txt anew.
func TestScenarioResurrection(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "original"})

	tmp := t.TempDir()

	// P1: delete a.txt.
	oldForP1, newForP1 := t.TempDir(), t.TempDir()
	writeTree(t, oldForP1, map[string]string{"a.txt": "original"})
	p1 := filepath.Join(tmp, "p1"+ArchiveExt)
	de := &DiffEngine{Tools: stubTools()}
	require.NoError(t, de.Diff(oldForP1, newForP1, p1))

	// P2: create a.txt with new content (no prior file).
	oldForP2, newForP2 := t.TempDir(), t.TempDir()
	writeTree(t, newForP2, map[string]string{"a.txt": "resurrected"})
	p2 := filepath.Join(tmp, "p2"+ArchiveExt)
	require.NoError(t, de.Diff(oldForP2, newForP2, p2))

	overlay := filepath.Join(tmp, "overlay")
	me := &MergeEngine{Tools: stubTools()}
	require.NoError(t, me.Merge(src, overlay, []string{p1, p2}))

	b, err := os.ReadFile(filepath.Join(overlay, "files", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "resurrected", string(b))

	manifestBytes, err := os.ReadFile(filepath.Join(overlay, ManifestName))
	require.NoError(t, err)
	m := NewManifest()
	require.NoError(t, jsonUnmarshal(manifestBytes, m))
	require.NotContains(t, m.Deleted, "a.txt")
}

// Scenario 6: integrity guard — a byte of old/f is modified out-of-band
// after the patch was computed; merge must fail with PatchError and leave
// src unmodified.
func TestScenarioIntegrityGuard(t *testing.T) {
	oldDir, newDir := t.TempDir(), t.TempDir()
	writeTree(t, oldDir, map[string]string{"f": "some text"})
	writeTree(t, newDir, map[string]string{"f": "some more text"})

	tmp := t.TempDir()
	p := filepath.Join(tmp, "p"+ArchiveExt)
	de := &DiffEngine{Tools: stubTools()}
	require.NoError(t, de.Diff(oldDir, newDir, p))

	// Corrupt the live source tree after the archive was computed.
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "f"), []byte("some TEXT"), 0o644))

	overlay := filepath.Join(tmp, "overlay")
	me := &MergeEngine{Tools: stubTools()}
	err := me.Merge(oldDir, overlay, []string{p})
	require.Error(t, err)
	var perr *PatchError
	require.ErrorAs(t, err, &perr)

	b, err := os.ReadFile(filepath.Join(oldDir, "f"))
	require.NoError(t, err)
	require.Equal(t, "some TEXT", string(b), "source directory must be unmodified after a PatchError")
}

// A file patched in Pi then deleted in Pj is removed from the overlay but
// remains in the accumulated deletion set.
func TestScenarioPatchThenDelete(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f.txt": "v0"})

	tmp := t.TempDir()
	de := &DiffEngine{Tools: stubTools()}

	oldP1, newP1 := t.TempDir(), t.TempDir()
	writeTree(t, oldP1, map[string]string{"f.txt": "v0"})
	writeTree(t, newP1, map[string]string{"f.txt": "v1"})
	p1 := filepath.Join(tmp, "p1"+ArchiveExt)
	require.NoError(t, de.Diff(oldP1, newP1, p1))

	oldP2, newP2 := t.TempDir(), t.TempDir()
	writeTree(t, oldP2, map[string]string{"f.txt": "v1"})
	p2 := filepath.Join(tmp, "p2"+ArchiveExt)
	require.NoError(t, de.Diff(oldP2, newP2, p2))

	overlay := filepath.Join(tmp, "overlay")
	me := &MergeEngine{Tools: stubTools()}
	require.NoError(t, me.Merge(src, overlay, []string{p1, p2}))

	_, err := os.Stat(filepath.Join(overlay, "files", "f.txt"))
	require.True(t, os.IsNotExist(err))

	manifestBytes, err := os.ReadFile(filepath.Join(overlay, ManifestName))
	require.NoError(t, err)
	m := NewManifest()
	require.NoError(t, jsonUnmarshal(manifestBytes, m))
	require.Contains(t, m.Deleted, "f.txt")
}

func TestArchiveRoundTripTolerance(t *testing.T) {
	// An archive containing only new files (no patchfs/ subtree) must
	// extract cleanly.
	oldDir, newDir := t.TempDir(), t.TempDir()
	writeTree(t, newDir, map[string]string{"only_new.txt": "hi"})

	tmp := t.TempDir()
	p := filepath.Join(tmp, "p"+ArchiveExt)
	de := &DiffEngine{Tools: stubTools()}
	require.NoError(t, de.Diff(oldDir, newDir, p))

	extractDir := filepath.Join(tmp, "extracted")
	arc := &Archive{}
	require.NoError(t, arc.Extract(p, extractDir))

	_, err := os.Stat(filepath.Join(extractDir, "newfs", "only_new.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(extractDir, "patchfs"))
	require.True(t, os.IsNotExist(err))
}
