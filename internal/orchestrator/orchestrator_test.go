package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/selfpatch/selfpatch/pkg/downloadlib"
)

// fileServer serves path's content over HTTP, range-request capable, so
// downloadlib's resumable transfer logic can fetch it like any other patch
// archive.
func fileServer(t *testing.T, path string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.FileServer(http.Dir(filepath.Dir(path))))
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.cfg")

	cfg := &Config{Job: JobRunPatch, Archives: []string{"a.cpatch"}, SrcDir: "/opt/app"}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Job, got.Job)
	require.Equal(t, cfg.Archives, got.Archives)
	require.Equal(t, cfg.SrcDir, got.SrcDir)
}

func TestConfigLoadMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.cfg"))
	require.NoError(t, err)
	require.Equal(t, JobNone, cfg.Job)
	require.False(t, cfg.Broken)
}

func TestBootstrapRecoversPanic(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "patcherr.log")

	err := Bootstrap(logPath, nil, func() error {
		panic("boom")
	})
	require.Error(t, err)

	b, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	require.Contains(t, string(b), "boom")
}

func TestPatchProgramNoopWithoutJob(t *testing.T) {
	src := t.TempDir()
	o := New(src, nil, nil)
	relaunch, err := o.PatchProgram("")
	require.NoError(t, err)
	require.False(t, relaunch)

	needs, err := o.NeedsPatching()
	require.NoError(t, err)
	require.False(t, needs)
}

// TestPatchProgramAppliesArchiveAndClearsJob exercises the offline phase in
// isolation: the overlay is already merged (as the online phase's
// mergeDownloadedArchives would have left it) before PatchProgram runs, so
// this only verifies the apply-and-clear half of the state machine.
func TestPatchProgramAppliesArchiveAndClearsJob(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("v0"), 0o644))

	oldDir, newDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "f.txt"), []byte("v0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(newDir, "f.txt"), []byte("v1"), 0o644))

	archive := filepath.Join(t.TempDir(), "p.cpatch")
	tools := stubPatchTools{}
	de := newDiffEngine(tools)
	require.NoError(t, de.Diff(oldDir, newDir, archive))

	o := New(src, nil, nil)
	o.Tools = tools.Tools()

	overlay := filepath.Join(t.TempDir(), "overlay")
	require.NoError(t, o.merge().Merge(src, overlay, []string{archive}))
	require.NoError(t, Save(o.ConfigPath, &Config{Job: JobRunPatch, OverlayDir: overlay, SrcDir: src}))

	relaunch, err := o.PatchProgram("")
	require.NoError(t, err)
	require.True(t, relaunch)

	b, err := os.ReadFile(filepath.Join(src, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(b))

	cfg, err := Load(o.ConfigPath)
	require.NoError(t, err)
	require.Equal(t, JobNone, cfg.Job)
	require.False(t, cfg.Broken)
}

// TestDownloadAndPrePatchMergesOnCompletion drives the full online-phase
// path: DownloadAndPrePatch enqueues an archive download, and once the
// downloader's OnComplete callback fires, the orchestrator should have
// merged it into a staged overlay and persisted job:"runpatch" against it
// — without ever running PatchProgram.
func TestDownloadAndPrePatchMergesOnCompletion(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("v0"), 0o644))

	oldDir, newDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "f.txt"), []byte("v0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(newDir, "f.txt"), []byte("v1"), 0o644))

	archiveSrc := filepath.Join(t.TempDir(), "p.cpatch")
	tools := stubPatchTools{}
	de := newDiffEngine(tools)
	require.NoError(t, de.Diff(oldDir, newDir, archiveSrc))

	srv := fileServer(t, archiveSrc)
	defer srv.Close()
	archiveURL := srv.URL + "/" + filepath.Base(archiveSrc)

	store, err := downloadlib.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()

	dl := downloadlib.NewResumableDownloader(store, t.TempDir(), downloadlib.NewRouter(nil))
	require.NoError(t, dl.Start())
	defer dl.Stop()

	o := New(src, dl, nil)
	o.Tools = tools.Tools()

	require.NoError(t, o.DownloadAndPrePatch([]string{archiveURL}, t.TempDir()))
	require.Eventually(t, func() bool {
		cfg, err := Load(o.ConfigPath)
		return err == nil && cfg.Job == JobRunPatch && cfg.OverlayDir != ""
	}, 2*time.Second, 10*time.Millisecond)
}
