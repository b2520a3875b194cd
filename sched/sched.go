// Package sched implements the top-level supervisor (C9): one pass over a
// run's volume index that fetches raw data, launches or relaunches
// per-volume cluster jobs, and publishes progress and metrics.
package sched

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/buntdb"
	"golang.org/x/sync/singleflight"

	"github.com/civm-dev/cs-reco/batch"
	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
	"github.com/civm-dev/cs-reco/metrics"
	"github.com/civm-dev/cs-reco/volidx"
	"github.com/civm-dev/cs-reco/volman"
	"github.com/civm-dev/cs-reco/xfer"
)

// Config is one run's supervisor parameters.
type Config struct {
	Workdir        string // <engine-work-dir>/<run>, holds raw/ (volume subdirectories and image-scaling.json) and job-registry.json
	VolumeIndex    string // remote or local path to the volume index text file
	PhaseTable     string
	MrdVolOffset   int
	ProjectPath    string // path to the shared ProjectDescriptor JSON
	RemoteHost     *xfer.Host
	RawBasePath    string // remote directory the volume index's filenames are relative to
	MetaSuffix     string // scanner sidecar metadata suffix (cfg.ScannerDescriptor.MetaSuffix)
	SubmitBin      string // cluster submit binary, e.g. sbatch
	AccountBin     string // cluster accounting binary, e.g. sacct
	GetJobRetries  int
	LocalJobs      bool // if true, Advance volumes in-process instead of submitting cluster jobs
}

// metaSuffix returns the configured sidecar suffix, falling back to the
// scanner descriptor's own self-bootstrapped default.
func (c Config) metaSuffix() string {
	if c.MetaSuffix == "" {
		return "_meta.txt"
	}
	return c.MetaSuffix
}

func stemOf(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// Result summarizes one RunOnce pass.
type Result struct {
	VolumesTotal     int
	VolumesDone      int
	ResourcesPending int
	JobsByState      map[string]int
}

var group singleflight.Group

// RunOnce executes exactly one supervisor pass for cfg.Workdir, collapsing
// concurrent callers for the same workdir into a single execution.
func RunOnce(s cmn.Storage, c Config) (Result, error) {
	v, err, _ := group.Do(c.Workdir, func() (any, error) {
		return runOnce(s, c)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func runOnce(s cmn.Storage, c Config) (Result, error) {
	rawDir := filepath.Join(c.Workdir, "raw")
	if !cmn.Exists(s, rawDir) {
		if err := s.MkdirAll(rawDir, 0o755); err != nil {
			return Result{}, cmn.Tagf(cmn.KindIoMissing, err, "mkdir %s", rawDir)
		}
	}

	localVpath, err := fetchVolumeIndex(s, c)
	if err != nil {
		return Result{}, err
	}

	entries, err := volidx.ReadAll(s, localVpath)
	if err != nil {
		return Result{}, err
	}

	rl, err := xfer.Open(s, rawDir)
	if err != nil {
		return Result{}, err
	}
	if err := rl.SetHost(c.RemoteHost); err != nil {
		return Result{}, err
	}
	for _, e := range entries {
		if !e.Ready {
			continue
		}
		src := filepath.Join(c.RawBasePath, e.Name)
		if err := rl.TryAdd(xfer.New(src, e.Index)); err != nil {
			return Result{}, err
		}
		sidecar := filepath.Join(c.RawBasePath, stemOf(e.Name)+c.metaSuffix())
		if err := rl.TryAdd(xfer.New(sidecar, e.Index)); err != nil {
			return Result{}, err
		}
	}
	if err := rl.StartTransfer(); err != nil {
		return Result{}, err
	}

	registry, err := cfg.OpenJobRegistry(s, c.Workdir)
	if err != nil {
		return Result{}, err
	}

	jobsByState := map[string]int{}
	volumesDone := 0

	for _, e := range entries {
		if !e.Ready {
			continue
		}
		voldir := filepath.Join(rawDir, e.Index)
		if !cmn.Exists(s, voldir) {
			if err := s.MkdirAll(voldir, 0o755); err != nil {
				return Result{}, cmn.Tagf(cmn.KindIoMissing, err, "mkdir %s", voldir)
			}
		}
		mrdPath := filepath.Join(voldir, filepath.Base(e.Name))

		state := volman.StateOf(s, voldir)
		if state == volman.Done {
			volumesDone++
			continue
		}

		// In local-jobs mode the supervisor drives the volume manager
		// in-process every pass: Launch/Advance are idempotent and a
		// no-op whenever the current state's precondition isn't met yet.
		if c.LocalJobs {
			if _, err := volman.Launch(s, voldir, mrdPath, c.PhaseTable, c.MrdVolOffset, c.ProjectPath, c.metaSuffix()); err != nil {
				nlog.Warningf("volume %s: launch failed (will retry next pass): %v", voldir, err)
			}
			continue
		}

		needsLaunch := state == volman.NotInstantiated
		if prevJob, tracked := registry.Jobs[voldir]; tracked && !needsLaunch {
			js := batch.GetJobState(c.AccountBin, prevJob, c.GetJobRetries)
			jobsByState[string(js)]++
			if js == batch.JobCompleted || js == batch.JobFailed || js == batch.JobCancelled {
				needsLaunch = true // job ended without reaching Done: relaunch
			}
		}
		if !needsLaunch {
			continue
		}

		jobID, err := submitVolumeJob(s, c, voldir, mrdPath)
		if err != nil {
			nlog.Warningf("volume %s: submit failed (will retry next pass): %v", voldir, err)
			continue
		}
		registry.Set(voldir, jobID)
	}

	if err := registry.Save(s); err != nil {
		return Result{}, err
	}

	pendingResources := 0
	for _, item := range rl.Items {
		if item.State != xfer.RStateSucceeded {
			pendingResources++
		}
	}

	if err := publishProgress(s, c.Workdir, rawDir); err != nil {
		nlog.Warningf("progress index: %v", err)
	}

	result := Result{
		VolumesTotal:     len(entries),
		VolumesDone:      volumesDone,
		ResourcesPending: pendingResources,
		JobsByState:      jobsByState,
	}

	snap := metrics.Snapshot{
		VolumesDone:      result.VolumesDone,
		VolumesTotal:     result.VolumesTotal,
		ResourcesPending: result.ResourcesPending,
		JobsByState:      result.JobsByState,
	}
	metricsPath := filepath.Join(c.Workdir, "metrics.prom")
	if err := metrics.Render(s, metricsPath, snap); err != nil {
		nlog.Warningf("metrics textfile: %v", err)
	}

	return result, nil
}

// fetchVolumeIndex fetches cfg.VolumeIndex to the run's workdir via the
// same ResourceList machinery the raw-data transfers use, when a remote
// host is configured, and returns the local path to read it from.
func fetchVolumeIndex(s cmn.Storage, c Config) (string, error) {
	if c.RemoteHost == nil {
		return c.VolumeIndex, nil
	}
	idxDir := filepath.Join(c.Workdir, "index")
	rl, err := xfer.Open(s, idxDir)
	if err != nil {
		return "", err
	}
	if err := rl.SetHost(c.RemoteHost); err != nil {
		return "", err
	}
	res := xfer.New(c.VolumeIndex, "")
	if err := rl.TryAdd(res); err != nil {
		return "", err
	}
	if err := rl.StartTransfer(); err != nil {
		return "", err
	}
	return res.LocalPath(), nil
}

func submitVolumeJob(s cmn.Storage, c Config, voldir, mrdPath string) (string, error) {
	jobName := "csreco-" + sanitizeJobName(filepath.Base(voldir))
	script, err := batch.New(jobName, c.SubmitBin, c.AccountBin)
	if err != nil {
		return "", err
	}
	script.Commands = []string{
		fmt.Sprintf("cs-reco volume-manager %s %s %s %d %s %s",
			voldir, mrdPath, c.PhaseTable, c.MrdVolOffset, c.ProjectPath, c.metaSuffix()),
	}
	return script.Submit(s, voldir)
}

func sanitizeJobName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// publishProgress lists rawDir's immediate volume subdirectories, looks up
// each one's persisted state, and writes the result through a buntdb
// database -- C13's queryable progress index. The database is rebuilt
// from the filesystem each pass; it caches nothing across passes.
func publishProgress(s cmn.Storage, workdir, rawDir string) error {
	names, err := s.ListDir(rawDir)
	if err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "list %s", rawDir)
	}

	db, err := buntdb.Open(":memory:")
	if err != nil {
		return cmn.Tagf(cmn.KindIoCorrupt, err, "open progress index")
	}
	defer db.Close()

	err = db.Update(func(tx *buntdb.Tx) error {
		for _, name := range names {
			voldir := filepath.Join(rawDir, name)
			state := volman.StateOf(s, voldir)
			if _, _, err := tx.Set(voldir, state.String(), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var b strings.Builder
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
			return true
		})
	})
	if err != nil {
		return err
	}
	return s.WriteFile(filepath.Join(workdir, "progress-index.txt"), []byte(b.String()), 0o644)
}
