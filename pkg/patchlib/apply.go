package patchlib

import (
	"os"
	"path/filepath"

	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/spf13/afero"
)

// ApplyEngine moves a staged overlay into the live source tree and
// executes its deletions (spec §4.6). The caller is responsible for
// removing the overlay directory after Apply returns.
type ApplyEngine struct {
	Fs  afero.Fs
	Log logger.Logger
}

func (a *ApplyEngine) fs() afero.Fs {
	if a.Fs == nil {
		return afero.NewOsFs()
	}
	return a.Fs
}

func (a *ApplyEngine) log() logger.Logger {
	if a.Log == nil {
		return logger.NewNopLogger()
	}
	return a.Log
}

// Apply replaces files in srcDir with the staged overlay's content, then
// removes the overlay's deletion list from srcDir. Failures while placing
// overlay files are fatal and wrapped as BrokenError: the source tree is
// left in an indeterminate state requiring manual recovery. Failures while
// removing deleted files are logged as warnings, not returned as errors —
// a concurrent/earlier run may already have removed them.
func (a *ApplyEngine) Apply(srcDir, overlayDir string) error {
	fs := a.fs()
	filesDir := filepath.Join(overlayDir, "files")

	if exists, err := afero.DirExists(fs, filesDir); err != nil {
		return &BrokenError{Reason: "apply: statting overlay files", Err: err}
	} else if exists {
		if err := a.placeFiles(fs, srcDir, filesDir); err != nil {
			return &BrokenError{Reason: "apply: placing overlay files", Err: err}
		}
	}

	manifestPath := filepath.Join(overlayDir, ManifestName)
	if exists, err := afero.Exists(fs, manifestPath); err == nil && exists {
		a.applyDeletions(fs, srcDir, manifestPath)
	}
	return nil
}

func (a *ApplyEngine) placeFiles(fs afero.Fs, srcDir, filesDir string) error {
	return afero.Walk(fs, filesDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := toRel(filesDir, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(srcDir, filepath.FromSlash(rel))
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if exists, _ := afero.Exists(fs, dest); exists {
			if err := fs.Remove(dest); err != nil {
				return err
			}
		}
		return moveFile(fs, p, dest)
	})
}

func (a *ApplyEngine) applyDeletions(fs afero.Fs, srcDir, manifestPath string) {
	b, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		a.log().Warning("apply: reading overlay manifest: %s", err)
		return
	}
	m := NewManifest()
	if err := jsonUnmarshal(b, m); err != nil {
		a.log().Warning("apply: decoding overlay manifest: %s", err)
		return
	}
	for _, rel := range m.Deleted {
		target := filepath.Join(srcDir, filepath.FromSlash(rel))
		if exists, _ := afero.Exists(fs, target); !exists {
			continue
		}
		if err := fs.Remove(target); err != nil {
			a.log().Warning("apply: removing %s: %s", rel, err)
		}
	}
}

// moveFile renames src to dst, falling back to copy+remove when rename
// fails (e.g. the overlay's scratch space and srcDir are on different
// filesystems/afero backends).
func moveFile(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(fs, src, dst); err != nil {
		return err
	}
	return fs.Remove(src)
}
