//go:build windows

package orchestrator

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// detachedProcess is windows.DETACHED_PROCESS: the child gets no console of
// its own and survives the parent's exit.
const detachedProcess = 0x00000008

// IsFrozen mirrors the POSIX heuristic in frozen.go.
func IsFrozen(exePath string) bool {
	dir := filepath.Dir(exePath)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), ".git")); err == nil {
		return false
	}
	return true
}

// selfBinaryLocked reports whether exePath is currently mapped/locked by
// the OS. On Windows an in-use executable cannot be opened for write access
// at all, so a failed OpenFile is itself the signal.
func selfBinaryLocked(exePath string) bool {
	f, err := os.OpenFile(exePath, os.O_WRONLY, 0)
	if err == nil {
		f.Close()
		return false
	}
	return true
}

// spawnDetached starts path so it survives this process's exit, mirroring
// the POSIX variant's Setsid behavior via DETACHED_PROCESS.
func spawnDetached(path string, args ...string) error {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: detachedProcess}
	return cmd.Start()
}
