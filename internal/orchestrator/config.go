// Package orchestrator implements the self-patching state machine described
// in SPEC_FULL.md §5.7: a single on-disk patch.cfg drives an online
// (pre_patch) phase and an offline (patch_program) phase, with a monotone
// broken flag once an unrecoverable failure is observed.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Job names the work patch.cfg is currently asking for. The zero value,
// JobNone, means there is nothing to do.
type Job string

const (
	JobNone          Job = ""
	JobRunPatch      Job = "runpatch"
	JobApplyBinPatch Job = "applybinpatch"
)

// Config is the decoded shape of patch.cfg, the single file that drives the
// whole state machine (SPEC_FULL.md §4.4). Every field round-trips through
// JSON so an external launcher/installer can inspect or seed it directly.
type Config struct {
	// Job names the work this config currently asks for; JobNone means
	// there is nothing to do.
	Job Job `json:"job"`
	// Archives records the most recent archive set a download batch was
	// started for. Informational once OverlayDir is set — OverlayDir, not
	// Archives, is what PatchProgram actually applies.
	Archives []string `json:"archives"`
	// OverlayDir is set only once the online phase has fully merged
	// Archives into a staged overlay (MergeEngine.Merge succeeded). Job is
	// never set to JobRunPatch before this field names a real, completed
	// overlay — a crash between enqueueing downloads and the merge
	// finishing must never leave behind a job pointing at incomplete
	// archives.
	OverlayDir string `json:"overlay_dir,omitempty"`
	SrcDir     string `json:"srcdir"`

	// OldBin and PatchDir carry the frozen-executable self-replace flow
	// (JobApplyBinPatch): OldBin is the original executable path the
	// cloned-and-relaunched process must wait for and eventually restart;
	// PatchDir is the overlay the clone applies once OldBin has exited.
	OldBin   string `json:"oldbin,omitempty"`
	PatchDir string `json:"patchdir,omitempty"`

	Broken  bool   `json:"broken"`
	LastErr string `json:"last_error,omitempty"`
}

// Load reads and decodes path, returning a zero Config if the file does not
// yet exist (a fresh install has no patch.cfg).
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("orchestrator: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically: encode to a temp file in the same
// directory, fsync, then rename over the target. A crash mid-write can
// never leave patch.cfg truncated or partially written: after a crash at
// any point the file holds either the old state or the new one in full,
// which the state machine's crash-safety depends on.
func Save(path string, cfg *Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".patch-cfg-*")
	if err != nil {
		return fmt.Errorf("orchestrator: create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("orchestrator: rename temp config: %w", err)
	}
	return nil
}
