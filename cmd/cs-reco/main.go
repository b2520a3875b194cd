// Command cs-reco drives the compressed-sensing reconstruction pipeline:
// the per-volume state machine, its relaunch path, the supervisor's
// single-pass convenience invocations, and a standalone archive command.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/civm-dev/cs-reco/archive"
	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
	"github.com/civm-dev/cs-reco/sched"
	"github.com/civm-dev/cs-reco/volman"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "volume-manager":
		err = runVolumeManager(os.Args[2:])
	case "volume-manager-relaunch":
		err = runVolumeManagerRelaunch(os.Args[2:])
	case "cluster-test", "local-test":
		err = runSupervisorPass(os.Args[1], os.Args[2:])
	case "archive":
		err = runArchive(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		nlog.Errorf("%s: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cs-reco <volume-manager|volume-manager-relaunch|cluster-test|local-test|archive> [args...]")
}

// runVolumeManager mirrors the original single-binary entrypoint's
// argument order: workdir, raw-path, phase-table, vol-offset, recon-
// settings-path, meta-suffix.
func runVolumeManager(args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("volume-manager requires 6 arguments: workdir raw-path phase-table vol-offset recon-settings-path meta-suffix")
	}
	workdir, mrd, phaseTable, offsetStr, settings, metaSuffix := args[0], args[1], args[2], args[3], args[4], args[5]
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return fmt.Errorf("vol-offset %q: %w", offsetStr, err)
	}
	vm, err := volman.Launch(cmn.RealStorage, workdir, mrd, phaseTable, offset, settings, metaSuffix)
	if err != nil {
		return err
	}
	for vm.State != volman.Done {
		prev := vm.State
		if err := vm.Advance(); err != nil {
			return err
		}
		if vm.State == prev {
			break // fixed point: nothing left to do until an external condition changes
		}
	}
	return nil
}

func runVolumeManagerRelaunch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("volume-manager-relaunch requires 1 argument: workdir")
	}
	vm, err := volman.Open(cmn.RealStorage, args[0])
	if err != nil {
		return err
	}
	for vm.State != volman.Done {
		prev := vm.State
		if err := vm.Advance(); err != nil {
			return err
		}
		if vm.State == prev {
			break
		}
	}
	return nil
}

// runSupervisorPass runs one sched.RunOnce pass; "local-test" drives
// volume managers in-process, "cluster-test" submits them as batch jobs.
// A workdir of "-" picks BIGGUS_DISKUS (or HOME) as the base.
func runSupervisorPass(mode string, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("%s requires 5 arguments: workdir volume-index phase-table raw-base-path recon-settings-path", mode)
	}
	workdir := args[0]
	if workdir == "-" {
		workdir = filepath.Join(engineWorkDirBase(), "cs-reco-run")
	}
	scanner, err := cfg.OpenScanner(cmn.RealStorage, args[3], "scanner")
	if err != nil {
		return err
	}
	c := sched.Config{
		Workdir:       workdir,
		VolumeIndex:   args[1],
		PhaseTable:    args[2],
		MrdVolOffset:  0,
		ProjectPath:   args[4],
		RawBasePath:   args[3],
		MetaSuffix:    scanner.MetaSuffix,
		SubmitBin:     "sbatch",
		AccountBin:    "sacct",
		GetJobRetries: 5,
		LocalJobs:     mode == "local-test",
	}
	result, err := sched.RunOnce(cmn.RealStorage, c)
	if err != nil {
		return err
	}
	nlog.Infof("%s pass complete: %d/%d volumes done, %d resources pending",
		mode, result.VolumesDone, result.VolumesTotal, result.ResourcesPending)
	return nil
}

// runArchive is the debug/manual standalone invocation of C11: bundle an
// already-finished volume's image directory without going through the
// volume-manager FSM.
func runArchive(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("archive requires 2 arguments: headfile-path slice-glob-dir")
	}
	headfilePath, imageDir := args[0], args[1]
	slicePaths, err := globRaw(imageDir)
	if err != nil {
		return err
	}
	compression := archive.Tar
	if v := os.Getenv("CS_RECO_ARCHIVE_COMPRESSION"); v == "lz4" {
		compression = archive.Lz4
	}
	destPath := headfilePath + ".tar"
	if compression == archive.Lz4 {
		destPath += ".lz4"
	}
	return archive.Bundle(cmn.RealStorage, destPath, compression, headfilePath, slicePaths)
}

func globRaw(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 4 && name[len(name)-4:] == ".raw" {
			paths = append(paths, dir+"/"+name)
		}
	}
	return paths, nil
}

// engineWorkDirBase resolves BIGGUS_DISKUS, falling back to HOME.
func engineWorkDirBase() string {
	if v := os.Getenv("BIGGUS_DISKUS"); v != "" {
		return v
	}
	return os.Getenv("HOME")
}
