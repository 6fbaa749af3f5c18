package patchlib

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Archive reads and writes the on-disk patch archive layout: a zip
// container holding cfg.json, patchfs/<relpath>, and newfs/<relpath>
// (spec §4.3, §6). The zip file itself always lives on the real
// filesystem (archive/zip needs random access the afero seam doesn't
// guarantee across all backends); the directory trees being archived or
// extracted into go through Fs, so tests can exercise Diff/Merge/Apply
// entirely in memory.
type Archive struct {
	// Fs is the filesystem used for the plain directory trees (oldDir,
	// newDir, the staged overlay). Defaults to the OS filesystem.
	Fs afero.Fs
}

func (a *Archive) fs() afero.Fs {
	if a.Fs == nil {
		return afero.NewOsFs()
	}
	return a.Fs
}

// toRel converts an OS path to the archive's forward-slash relative path
// convention (spec §3: "Relative paths are POSIX-style; the archive format
// is portable across host filesystems").
func toRel(base, p string) (string, error) {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Write builds a patch archive from dir, which must contain an optional
// cfg.json (already-validated Manifest), an optional patchfs/ subtree, and
// an optional newfs/ subtree, laid out exactly as the archive format
// itself. It is the low-level writer used by DiffEngine; most callers
// build archives via Diff instead.
func (a *Archive) Write(dir, archivePath string) error {
	manifest, err := a.readManifest(dir)
	if err != nil {
		return err
	}
	if err := manifest.Validate(); err != nil {
		return err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return &OpError{Op: "archive.write", Err: err}
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	mb, err := json.Marshal(manifest)
	if err != nil {
		return &OpError{Op: "archive.write", Err: err}
	}
	mw, err := zw.Create(ManifestName)
	if err != nil {
		return &OpError{Op: "archive.write", Err: err}
	}
	if _, err := mw.Write(mb); err != nil {
		return &OpError{Op: "archive.write", Err: err}
	}

	fs := a.fs()
	for _, prefix := range []string{PatchFSPrefix, NewFSPrefix} {
		root := filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
		if exists, _ := afero.DirExists(fs, root); !exists {
			continue
		}
		if err := a.copyTreeIntoZip(fs, zw, root, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) copyTreeIntoZip(fs afero.Fs, zw *zip.Writer, root, prefix string) error {
	return afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := toRel(root, p)
		if err != nil {
			return err
		}
		name := prefix + rel
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// readManifest loads dir/cfg.json if present, otherwise returns an empty
// manifest (an archive may describe only deletions plus new/patched
// files with no prior manifest on disk during tests).
func (a *Archive) readManifest(dir string) (*Manifest, error) {
	fs := a.fs()
	p := filepath.Join(dir, ManifestName)
	exists, err := afero.Exists(fs, p)
	if err != nil {
		return nil, &OpError{Op: "archive.write", Err: err}
	}
	if !exists {
		return NewManifest(), nil
	}
	b, err := afero.ReadFile(fs, p)
	if err != nil {
		return nil, &OpError{Op: "archive.write", Err: err}
	}
	m := NewManifest()
	if err := json.Unmarshal(b, m); err != nil {
		return nil, &OpError{Op: "archive.write", Err: err}
	}
	return m, nil
}

// Extract unpacks archivePath into dir, tolerating an archive that
// contains only new files, only patches, or only deletions (spec §4.3).
func (a *Archive) Extract(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}
	defer zr.Close()

	fs := a.fs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}

	for _, f := range zr.File {
		if err := a.extractOne(fs, f, dir); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) extractOne(fs afero.Fs, f *zip.File, dir string) error {
	name := path.Clean(f.Name)
	if name == "." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") {
		return &OpError{Op: "archive.extract", Err: fmt.Errorf("unsafe archive entry %q", f.Name)}
	}
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if f.FileInfo().IsDir() {
		return fs.MkdirAll(dest, 0o755)
	}
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}
	rc, err := f.Open()
	if err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}
	defer rc.Close()

	out, err := fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return &OpError{Op: "archive.extract", Err: err}
	}
	return nil
}

// ReadManifest reads just the cfg.json member of an archive without
// extracting the rest. The merge engine does not call it; it reads the
// cfg.json of the archive it has already extracted.
func ReadManifest(archivePath string) (*Manifest, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &OpError{Op: "archive.manifest", Err: err}
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &OpError{Op: "archive.manifest", Err: err}
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, &OpError{Op: "archive.manifest", Err: err}
		}
		m := NewManifest()
		if err := json.Unmarshal(b, m); err != nil {
			return nil, &OpError{Op: "archive.manifest", Err: err}
		}
		return m, nil
	}
	return nil, &OpError{Op: "archive.manifest", Err: fmt.Errorf("missing %s", ManifestName)}
}
