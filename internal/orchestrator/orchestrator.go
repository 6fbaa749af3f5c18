package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfpatch/selfpatch/pkg/downloadlib"
	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

// ConfigFileName is the well-known name of the state file inside a
// program's install directory.
const ConfigFileName = "patch.cfg"

// Orchestrator drives the self-patching state machine against one
// patch.cfg file. It exposes the language-neutral API named in
// SPEC_FULL.md §5.7 so a thin native launcher (frozen executable) and a
// script-mode launcher (running from source) can share the same decision
// logic.
type Orchestrator struct {
	ConfigPath string
	SrcDir     string
	Downloader *downloadlib.ResumableDownloader
	Log        logger.Logger
	// Tools overrides the external bsdiff/text-patch collaborators used by
	// the merge engine; left zero-valued in production (MergeEngine then
	// talks to the real bsdiff/bspatch binaries and the real TextPatcher),
	// set by tests to a stub.
	Tools patchlib.Tools
}

func (o *Orchestrator) merge() *patchlib.MergeEngine {
	tools := o.Tools
	if tools.Binary == nil {
		tools.Binary = patchlib.ExecBinaryPatcher{}
	}
	if tools.Text == nil {
		tools.Text = patchlib.DMPTextPatcher{}
	}
	return &patchlib.MergeEngine{Tools: tools, Log: o.Log}
}

func (o *Orchestrator) apply() *patchlib.ApplyEngine {
	return &patchlib.ApplyEngine{Log: o.Log}
}

func (o *Orchestrator) log() logger.Logger {
	if o.Log == nil {
		return logger.NewNopLogger()
	}
	return o.Log
}

// New builds an Orchestrator rooted at srcDir, with its patch.cfg at
// srcDir/patch.cfg.
func New(srcDir string, dl *downloadlib.ResumableDownloader, log logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Orchestrator{
		ConfigPath: filepath.Join(srcDir, ConfigFileName),
		SrcDir:     srcDir,
		Downloader: dl,
		Log:        log,
	}
}

// IsBroken reports whether the persisted config has the monotone broken
// flag set. Once true, PrePatchProgram and PatchProgram both refuse to run
// until an operator clears it by hand (SPEC_FULL.md §5.7).
func (o *Orchestrator) IsBroken() (bool, error) {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return false, err
	}
	return cfg.Broken, nil
}

// NeedsPatching reports whether patch.cfg currently names a job.
func (o *Orchestrator) NeedsPatching() (bool, error) {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return false, err
	}
	return cfg.Job != JobNone, nil
}

// HasPatchesDownloading reports whether the downloader still has jobs
// waiting in its queue; a transfer already taken off the queue and in
// flight is not counted. This is a coarse, best-effort signal for a caller
// that just wants to know whether to expect more download activity soon.
// PatchProgram's merge trigger does not use this poll — it runs off the
// downloader's OnComplete callback, armed by DownloadAndPrePatch below.
func (o *Orchestrator) HasPatchesDownloading() bool {
	if o.Downloader == nil {
		return false
	}
	return !o.Downloader.WaitIdle(0)
}

// DownloadAndPrePatch is the online-phase entry point (SPEC_FULL.md §5.7):
// it enqueues each archive URL with the downloader and arms the
// downloader's OnComplete callback to run the merge engine the moment every
// archive in this batch has actually finished landing on disk. Only once
// that merge succeeds does patch.cfg get job:"runpatch" — pointing at the
// finished overlay, never at archives that might still be mid-download. A
// crash between the Save below and the downloads completing leaves Job at
// JobNone, so the next startup sees nothing to patch and simply re-requests
// the downloads instead of merging against incomplete archives.
func (o *Orchestrator) DownloadAndPrePatch(archiveURLs []string, stagingDir string) error {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Broken {
		return fmt.Errorf("orchestrator: %w", patchlib.ErrBroken)
	}

	store := o.Downloader.Store
	var dsts []string
	for _, u := range archiveURLs {
		dst := filepath.Join(stagingDir, fmt.Sprintf("patch-%s%s", uuid.NewString(), patchlib.ArchiveExt))
		if err := store.Enqueue(dst, u, "http", 0); err != nil {
			return err
		}
		dsts = append(dsts, dst)
	}

	cfg.Archives = dsts
	cfg.SrcDir = o.SrcDir
	if err := Save(o.ConfigPath, cfg); err != nil {
		return err
	}

	o.armCompletionHandler(dsts)
	for _, dst := range dsts {
		o.Downloader.Enqueue(dst)
	}
	return nil
}

// armCompletionHandler replaces the downloader's OnComplete callback with
// one that waits for every path in want to finish — possibly across
// several OnComplete firings, since the queue may drain in batches — then
// runs the online-phase merge.
func (o *Orchestrator) armCompletionHandler(want []string) {
	remaining := make(map[string]bool, len(want))
	for _, w := range want {
		remaining[w] = true
	}
	var mu sync.Mutex

	o.Downloader.OnComplete = func(finished []string) {
		mu.Lock()
		for _, f := range finished {
			delete(remaining, f)
		}
		ready := len(remaining) == 0
		mu.Unlock()
		if !ready {
			return
		}
		if err := o.mergeDownloadedArchives(want); err != nil {
			o.log().Error("orchestrator: online-phase merge: %s", err)
		}
	}
}

// mergeDownloadedArchives runs once a batch of archives has fully
// downloaded: it folds them into a staged overlay and only then persists
// job:"runpatch" against that overlay's path.
func (o *Orchestrator) mergeDownloadedArchives(archives []string) error {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return err
	}

	overlay := filepath.Join(filepath.Dir(o.ConfigPath), ".overlay-"+uuid.NewString())
	if err := o.merge().Merge(o.SrcDir, overlay, archives); err != nil {
		o.recordFailure(cfg, err)
		return err
	}

	cfg.Job = JobRunPatch
	cfg.OverlayDir = overlay
	cfg.LastErr = ""
	return Save(o.ConfigPath, cfg)
}

// PrePatchProgram is the online-phase check run while the target program is
// still executing: it reports whether a patch is ready to apply — which,
// per the online/offline split above, means the merge has already
// completed and OverlayDir names real staged content.
func (o *Orchestrator) PrePatchProgram() (ready bool, err error) {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return false, err
	}
	if cfg.Broken {
		return false, nil
	}
	return cfg.Job == JobRunPatch && cfg.OverlayDir != "", nil
}

// PatchProgram is the decision tree the original implementation calls
// patchProgram (SPEC_FULL.md §5.7): given the job patch.cfg currently names,
// move the already-merged overlay into place. exePath is the path of the
// currently running executable; pass "" in script mode (exePath tells
// frozen mode from script mode and, in frozen mode, names the binary that
// is cloned and later relaunched). relaunch reports that
// the caller's own files or process identity are no longer valid and it
// must exit now — either because a clone has been spawned to finish a
// binary replace, or because this call just replaced the files out from
// under the caller.
func (o *Orchestrator) PatchProgram(exePath string) (relaunch bool, err error) {
	cfg, err := Load(o.ConfigPath)
	if err != nil {
		return false, err
	}
	if cfg.Broken {
		return false, fmt.Errorf("orchestrator: %w", patchlib.ErrBroken)
	}

	switch cfg.Job {
	case JobNone:
		return false, nil
	case JobRunPatch:
		return o.runPatch(cfg, exePath)
	case JobApplyBinPatch:
		return o.applyBinPatch(cfg)
	default:
		return false, fmt.Errorf("orchestrator: unknown job %q", cfg.Job)
	}
}

// runPatch applies a completed overlay. A frozen executable cannot safely
// overwrite its own running binary, so it instead hands off to a cloned
// copy of itself (runFrozenPatch); in script mode the source files are
// ordinary files the interpreter never keeps open, so the overlay is
// applied directly (SPEC_FULL.md §6, grounded on
// original_source/patcher.py's runPatch/runPyPatch split).
func (o *Orchestrator) runPatch(cfg *Config, exePath string) (bool, error) {
	if cfg.OverlayDir == "" {
		return false, fmt.Errorf("orchestrator: job runpatch set without a completed overlay")
	}
	if exePath != "" && IsFrozen(exePath) {
		return o.runFrozenPatch(cfg, exePath)
	}

	if err := o.apply().Apply(o.SrcDir, cfg.OverlayDir); err != nil {
		o.recordFailure(cfg, err)
		return false, err
	}
	os.RemoveAll(cfg.OverlayDir)
	cfg.Job = JobNone
	cfg.Archives = nil
	cfg.OverlayDir = ""
	cfg.LastErr = ""
	if err := Save(o.ConfigPath, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// runFrozenPatch is the first half of the self-binary-replace sequence
// (original_source/patcher.py's runFrozenPatch): clone the running
// executable, rewrite patch.cfg to job:"applybinpatch" naming the clone's
// work, spawn the clone detached, and tell the caller to exit. The clone,
// invoked with "--applypatch", is the process that will actually wait out
// and replace exePath.
func (o *Orchestrator) runFrozenPatch(cfg *Config, exePath string) (bool, error) {
	clone := exePath + ".patcher"
	os.Remove(clone)
	if err := copyExecutable(exePath, clone); err != nil {
		return false, fmt.Errorf("orchestrator: clone executable: %w", err)
	}

	cfg.Job = JobApplyBinPatch
	cfg.OldBin = exePath
	cfg.PatchDir = cfg.OverlayDir
	if err := Save(o.ConfigPath, cfg); err != nil {
		return false, err
	}

	if err := spawnDetached(clone, "--applypatch"); err != nil {
		return false, fmt.Errorf("orchestrator: spawn patcher clone: %w", err)
	}
	o.log().Info("orchestrator: spawned %s to finish replacing %s", clone, exePath)
	return true, nil
}

// applyBinPatch is the second half of the self-binary-replace sequence, run
// by the cloned executable after being spawned with "--applypatch": wait
// for the original binary to stop running, apply the overlay against the
// live source tree, clean up, and relaunch the original binary in place of
// itself (original_source/patcher.py's "applybinpatch" job arm).
func (o *Orchestrator) applyBinPatch(cfg *Config) (bool, error) {
	if cfg.OldBin == "" || cfg.PatchDir == "" {
		return false, fmt.Errorf("orchestrator: job applybinpatch missing oldbin/patchdir")
	}

	waitForExit(cfg.OldBin)

	if err := o.apply().Apply(o.SrcDir, cfg.PatchDir); err != nil {
		o.recordFailure(cfg, err)
		return false, err
	}
	os.RemoveAll(cfg.PatchDir)

	oldBin := cfg.OldBin
	cfg.Job = JobNone
	cfg.Archives = nil
	cfg.OverlayDir = ""
	cfg.OldBin = ""
	cfg.PatchDir = ""
	cfg.LastErr = ""
	if err := Save(o.ConfigPath, cfg); err != nil {
		return false, err
	}

	if err := spawnDetached(oldBin); err != nil {
		return false, fmt.Errorf("orchestrator: relaunch %s: %w", oldBin, err)
	}
	o.log().Info("orchestrator: relaunched %s, exiting patcher clone", oldBin)
	return true, nil
}

// waitForExit polls until exePath is no longer locked by a running process,
// or a generous timeout elapses. original_source/patcher.py leaves this
// step entirely unimplemented ("def waitForExit(self, binName): pass") —
// selfBinaryLocked's ETXTBSY/open-failure check is what lets this
// implementation actually perform the wait instead of racing the exiting
// original process.
func waitForExit(exePath string) {
	deadline := time.Now().Add(30 * time.Second)
	for selfBinaryLocked(exePath) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

// copyExecutable copies src to dst with executable permissions.
func copyExecutable(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o755)
}

// recordFailure persists err into cfg, setting Broken only for a
// BrokenError — a PatchError or DiffError is recoverable and left for the
// caller to retry with a fresh download (SPEC_FULL.md §7).
func (o *Orchestrator) recordFailure(cfg *Config, err error) {
	cfg.LastErr = err.Error()
	var brokenErr *patchlib.BrokenError
	if errors.As(err, &brokenErr) {
		cfg.Broken = true
	}
	if saveErr := Save(o.ConfigPath, cfg); saveErr != nil {
		o.log().Error("orchestrator: persisting failure state: %s", saveErr)
	}
}
