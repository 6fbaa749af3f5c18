package patchlib

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DiffEngine produces a single PatchArchive from a pair of directories
// (spec §4.4). Walk newDir deterministically; every file absent from
// oldDir is copied into newfs/, every file present in both is classified
// text-vs-binary and patched into patchfs/, and every file present in
// oldDir but absent from newDir is recorded as deleted.
type DiffEngine struct {
	// Fs is the filesystem holding oldDir/newDir. Defaults to the OS
	// filesystem.
	Fs afero.Fs
	// Tools supplies the external bsdiff and text-patch collaborators.
	Tools Tools
}

func (d *DiffEngine) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

// Diff builds archivePath from oldDir and newDir.
func (d *DiffEngine) Diff(oldDir, newDir, archivePath string) error {
	fs := d.fs()

	stageDir, err := afero.TempDir(fs, "", "patchlib-diff-")
	if err != nil {
		return &OpError{Op: "diff", Err: err}
	}
	defer fs.RemoveAll(stageDir)

	manifest := NewManifest()

	err = afero.Walk(fs, newDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := toRel(newDir, p)
		if err != nil {
			return err
		}
		oldPath := filepath.Join(oldDir, filepath.FromSlash(rel))
		oldExists, err := afero.Exists(fs, oldPath)
		if err != nil {
			return err
		}
		if !oldExists {
			return d.addNewFile(fs, stageDir, rel, p, manifest)
		}
		return d.addPatchedFile(fs, stageDir, rel, oldPath, p, manifest)
	})
	if err != nil {
		return err
	}

	if err := d.recordDeletions(fs, oldDir, newDir, manifest); err != nil {
		return err
	}

	if err := writeManifestFile(fs, stageDir, manifest); err != nil {
		return err
	}

	arc := &Archive{Fs: fs}
	return arc.Write(stageDir, archivePath)
}

func (d *DiffEngine) addNewFile(fs afero.Fs, stageDir, rel, newPath string, manifest *Manifest) error {
	sum, err := fileMD5(fs, newPath)
	if err != nil {
		return &DiffError{Path: rel, Err: err}
	}
	dest := filepath.Join(stageDir, "newfs", filepath.FromSlash(rel))
	if err := copyFile(fs, newPath, dest); err != nil {
		return &DiffError{Path: rel, Err: err}
	}
	manifest.Entries[rel] = ManifestEntry{PatchedMD5: sum}
	return nil
}

func (d *DiffEngine) addPatchedFile(fs afero.Fs, stageDir, rel, oldPath, newPath string, manifest *Manifest) error {
	oldSum, err := fileMD5(fs, oldPath)
	if err != nil {
		return &DiffError{Path: rel, Err: err}
	}
	newSum, err := fileMD5(fs, newPath)
	if err != nil {
		return &DiffError{Path: rel, Err: err}
	}
	kind, err := classifySampleFromFs(fs, newPath)
	if err != nil {
		return &DiffError{Path: rel, Err: err}
	}

	dest := filepath.Join(stageDir, "patchfs", filepath.FromSlash(rel))
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &DiffError{Path: rel, Err: err}
	}

	switch kind {
	case KindBinary:
		if err := d.Tools.Binary.Diff(oldPath, newPath, dest); err != nil {
			return &DiffError{Path: rel, Err: err}
		}
		manifest.Entries[rel] = ManifestEntry{Type: EntryTypeBsdiff, OldMD5: oldSum, PatchedMD5: newSum}
	default:
		oldText, err := afero.ReadFile(fs, oldPath)
		if err != nil {
			return &DiffError{Path: rel, Err: err}
		}
		newText, err := afero.ReadFile(fs, newPath)
		if err != nil {
			return &DiffError{Path: rel, Err: err}
		}
		patch, err := d.Tools.Text.MakePatch(string(oldText), string(newText))
		if err != nil {
			return &DiffError{Path: rel, Err: err}
		}
		if err := afero.WriteFile(fs, dest, []byte(patch), 0o644); err != nil {
			return &DiffError{Path: rel, Err: err}
		}
		manifest.Entries[rel] = ManifestEntry{Type: EntryTypeText, OldMD5: oldSum, PatchedMD5: newSum}
	}
	return nil
}

// recordDeletions walks oldDir and appends every file absent from newDir
// to manifest.Deleted (spec §4.4 step "walk oldDir; any file not present
// in newDir is appended to deleted").
func (d *DiffEngine) recordDeletions(fs afero.Fs, oldDir, newDir string, manifest *Manifest) error {
	return afero.Walk(fs, oldDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := toRel(oldDir, p)
		if err != nil {
			return err
		}
		newPath := filepath.Join(newDir, filepath.FromSlash(rel))
		exists, err := afero.Exists(fs, newPath)
		if err != nil {
			return err
		}
		if !exists {
			manifest.Deleted = append(manifest.Deleted, rel)
		}
		return nil
	})
}

func writeManifestFile(fs afero.Fs, stageDir string, manifest *Manifest) error {
	b, err := jsonMarshal(manifest)
	if err != nil {
		return &OpError{Op: "diff", Err: err}
	}
	return afero.WriteFile(fs, filepath.Join(stageDir, ManifestName), b, 0o644)
}
