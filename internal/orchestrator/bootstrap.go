package orchestrator

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

// Bootstrap wraps run with the panic-recovery-and-log behavior the original
// implementation used around its entire self-patch decision tree
// (SPEC_FULL.md §6): a panic inside run is caught, its stack trace appended
// to patcherr.log next to cfg, and execution continues rather than taking
// the whole program down with it: the panic is returned as a BrokenError
// with reason "unknown error". Bootstrap does not itself write broken=true
// into patch.cfg. Self-patching failures must never be allowed to crash the
// program they're trying to update.
func Bootstrap(logPath string, log logger.Logger, run func() error) (err error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			writePatchErrLog(logPath, r, stack)
			log.Error("orchestrator: recovered panic: %v", r)
			err = &patchlib.BrokenError{Reason: "unknown error", Err: fmt.Errorf("orchestrator: recovered panic: %v", r)}
		}
	}()
	return run()
}

func writePatchErrLog(path string, r interface{}, stack []byte) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "--- %s ---\npanic: %v\n%s\n", time.Now().Format(time.RFC3339), r, stack)
}
