// Command selfpatchctl is a thin example CLI over pkg/patchlib,
// pkg/downloadlib, and internal/orchestrator: diff two trees into an
// archive, merge a chain of archives into a staged overlay, apply an
// overlay, or drive a download through the resumable downloader.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/selfpatch/selfpatch/internal/orchestrator"
	"github.com/selfpatch/selfpatch/pkg/downloadlib"
	"github.com/selfpatch/selfpatch/pkg/logger"
	"github.com/selfpatch/selfpatch/pkg/patchlib"
)

func main() {
	app := cli.App{
		Name:      "selfpatchctl",
		HelpName:  "selfpatchctl",
		Usage:     "build, merge, and apply self-update patch archives",
		UsageText: "selfpatchctl <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:      "diff",
				Usage:     "build a patch archive from two directory trees",
				ArgsUsage: "<old-dir> <new-dir> <archive-path>",
				Action:    cmdDiff,
			},
			{
				Name:      "merge",
				Usage:     "fold an ordered list of archives against a source tree into a staged overlay",
				ArgsUsage: "<src-dir> <overlay-dir> <archive-path>...",
				Action:    cmdMerge,
			},
			{
				Name:      "apply",
				Usage:     "move a staged overlay into a source tree",
				ArgsUsage: "<src-dir> <overlay-dir>",
				Action:    cmdApply,
			},
			{
				Name:      "patch",
				Usage:     "run the orchestrator's offline patch_program phase against patch.cfg",
				ArgsUsage: "<src-dir>",
				Action:    cmdPatch,
			},
			{
				Name:      "download",
				Usage:     "queue one URL in a download store and run it to completion",
				ArgsUsage: "<url> <dst-path> <store-path>",
				Action:    cmdDownload,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "selfpatchctl:", err)
		os.Exit(1)
	}
}

func cmdDiff(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.ShowCommandHelp(ctx, "diff")
	}
	de := &patchlib.DiffEngine{Tools: patchlib.Tools{
		Binary: patchlib.ExecBinaryPatcher{BsdiffPath: "bsdiff", BspatchPath: "bspatch"},
		Text:   patchlib.DMPTextPatcher{},
	}}
	return de.Diff(ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2))
}

func cmdMerge(ctx *cli.Context) error {
	if ctx.NArg() < 3 {
		return cli.ShowCommandHelp(ctx, "merge")
	}
	lg := logger.NewStandardLogger(log.New(os.Stderr, "selfpatchctl: ", log.LstdFlags))
	me := &patchlib.MergeEngine{
		Tools: patchlib.Tools{
			Binary: patchlib.ExecBinaryPatcher{BsdiffPath: "bsdiff", BspatchPath: "bspatch"},
			Text:   patchlib.DMPTextPatcher{},
		},
		Log: lg,
	}
	return me.Merge(ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args()[2:])
}

func cmdApply(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "apply")
	}
	lg := logger.NewStandardLogger(log.New(os.Stderr, "selfpatchctl: ", log.LstdFlags))
	ae := &patchlib.ApplyEngine{Log: lg}
	return ae.Apply(ctx.Args().Get(0), ctx.Args().Get(1))
}

func cmdPatch(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "patch")
	}
	lg := logger.NewStandardLogger(log.New(os.Stderr, "selfpatchctl: ", log.LstdFlags))
	srcDir := ctx.Args().Get(0)
	o := orchestrator.New(srcDir, nil, lg)

	exePath, err := os.Executable()
	if err != nil {
		return err
	}

	return orchestrator.Bootstrap(srcDir+"/patcherr.log", lg, func() error {
		relaunch, err := o.PatchProgram(exePath)
		if err != nil {
			return err
		}
		if relaunch {
			lg.Info("selfpatchctl: patch applied, exiting so the refreshed files take effect")
		}
		return nil
	})
}

func cmdDownload(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.ShowCommandHelp(ctx, "download")
	}
	url, dst, storePath := ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2)

	store, err := downloadlib.Open(storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Enqueue(dst, url, "http", 0); err != nil {
		return err
	}

	stagingDir := dst + ".staging"
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(40))
	var bar *mpb.Bar

	dl := downloadlib.NewResumableDownloader(store, stagingDir, downloadlib.NewRouter(nil))
	dl.Log = logger.NewStandardLogger(log.New(os.Stderr, "selfpatchctl: ", log.LstdFlags))
	dl.OnProgress = func(dstPath string, written, total int64) {
		if bar == nil && total > 0 {
			bar = progress.AddBar(total,
				mpb.PrependDecorators(decor.Name(filepath.Base(dstPath))),
				mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f")),
			)
		}
		if bar != nil {
			bar.SetCurrent(written)
		}
	}
	if err := dl.Start(); err != nil {
		return err
	}
	dl.WaitIdle(0)
	dl.Stop()
	progress.Wait()
	return nil
}
