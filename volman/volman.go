// Package volman implements the volume-manager state machine (C8): the
// per-volume durable FSM that drives Idle -> PreProcessing ->
// Reconstructing -> WritingOutput -> Done, one state transition per
// invocation, re-persisting after each.
package volman

import (
	"fmt"
	"path/filepath"

	"github.com/civm-dev/cs-reco/archive"
	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
	"github.com/civm-dev/cs-reco/grid"
	"github.com/civm-dev/cs-reco/headfile"
	"github.com/civm-dev/cs-reco/petable"
	"github.com/civm-dev/cs-reco/quant"
	"github.com/civm-dev/cs-reco/raw"
	"github.com/civm-dev/cs-reco/solver"
)

const recordFilename = "volume-manager.json"

// VmState is the volume's lifecycle state; the enum order is significant
// -- transitions never regress (NotInstantiated < Idle < PreProcessing <
// Reconstructing < WritingOutput < Done).
type VmState int

const (
	NotInstantiated VmState = iota
	Idle
	PreProcessing
	Reconstructing
	WritingOutput
	Done
)

func (s VmState) String() string {
	switch s {
	case NotInstantiated:
		return "NotInstantiated"
	case Idle:
		return "Idle"
	case PreProcessing:
		return "PreProcessing"
	case Reconstructing:
		return "Reconstructing"
	case WritingOutput:
		return "WritingOutput"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// VolumeManager is one volume's durable record.
type VolumeManager struct {
	File           string  `json:"file"`
	Mrd            string  `json:"mrd"`
	PhaseTable     string  `json:"phase_table"`
	MrdVolOffset   int     `json:"mrd_vol_offset"`
	ReconSettings  string  `json:"recon_settings"`
	MetaSuffix     string  `json:"meta_suffix,omitempty"`
	State          VmState `json:"state"`
	Kspace         *string `json:"kspace,omitempty"`
	Imspace        *string `json:"imspace,omitempty"`

	workdir string
	s       cmn.Storage
}

func recordPath(workdir string) string { return filepath.Join(workdir, recordFilename) }

// Exists reports whether a VolumeManager record already exists at workdir.
func Exists(s cmn.Storage, workdir string) bool { return cmn.Exists(s, recordPath(workdir)) }

// StateOf reports workdir's persisted state, or NotInstantiated if no
// record has been written yet -- used by the supervisor without loading
// the full record.
func StateOf(s cmn.Storage, workdir string) VmState {
	if !Exists(s, workdir) {
		return NotInstantiated
	}
	vm, err := open(s, workdir)
	if err != nil {
		return NotInstantiated
	}
	return vm.State
}

func open(s cmn.Storage, workdir string) (*VolumeManager, error) {
	var vm VolumeManager
	if err := cmn.LoadJSON(s, recordPath(workdir), &vm); err != nil {
		return nil, err
	}
	vm.workdir = workdir
	vm.s = s
	return &vm, nil
}

func (vm *VolumeManager) save() error {
	return cmn.SaveJSON(vm.s, recordPath(vm.workdir), vm)
}

// Launch opens workdir's VolumeManager if it exists, or creates one in
// Idle state from the given parameters, and runs one Advance pass.
// metaSuffix names the scanner's sidecar metadata file convention
// (cfg.ScannerDescriptor.MetaSuffix); an empty string falls back to the
// scanner descriptor's own default of "_meta.txt".
func Launch(s cmn.Storage, workdir, mrdPath, phaseTablePath string, volOffset int, reconSettingsPath, metaSuffix string) (*VolumeManager, error) {
	if Exists(s, workdir) {
		vm, err := open(s, workdir)
		if err != nil {
			return nil, err
		}
		if err := vm.Advance(); err != nil {
			return vm, err
		}
		return vm, nil
	}
	vm := &VolumeManager{
		File:          recordPath(workdir),
		Mrd:           mrdPath,
		PhaseTable:    phaseTablePath,
		MrdVolOffset:  volOffset,
		ReconSettings: reconSettingsPath,
		MetaSuffix:    metaSuffix,
		State:         Idle,
		workdir:       workdir,
		s:             s,
	}
	if err := vm.save(); err != nil {
		return nil, err
	}
	if err := vm.Advance(); err != nil {
		return vm, err
	}
	return vm, nil
}

// Open re-reads a previously-launched VolumeManager's persisted fields,
// for the volume-manager-relaunch path.
func Open(s cmn.Storage, workdir string) (*VolumeManager, error) {
	return open(s, workdir)
}

// advanceState moves to the next state in sequence and persists.
func (vm *VolumeManager) advanceState() error {
	switch vm.State {
	case Idle:
		vm.State = PreProcessing
	case PreProcessing:
		vm.State = Reconstructing
	case Reconstructing:
		vm.State = WritingOutput
	case WritingOutput:
		vm.State = Done
	case Done, NotInstantiated:
		// no-op
	}
	return vm.save()
}

// tag is the volume's subdirectory basename, used to detect volume zero
// by convention ("0", "00", "000").
func (vm *VolumeManager) tag() string {
	return filepath.Base(filepath.Dir(vm.File))
}

func (vm *VolumeManager) isVolumeZero() bool {
	switch vm.tag() {
	case "0", "00", "000":
		return true
	default:
		return false
	}
}

// Advance performs exactly the work demanded by the current state,
// advances it, and re-persists -- or, if the needed precondition is
// unmet, leaves the state unchanged and returns nil (the fixed point
// Launch's caller loop detects).
func (vm *VolumeManager) Advance() error {
	project, err := loadProject(vm.s, vm.ReconSettings)
	if err != nil {
		return err
	}

	switch vm.State {
	case Idle:
		return vm.advanceState()

	case PreProcessing:
		return vm.advancePreProcessing()

	case Reconstructing:
		return vm.advanceReconstructing(project)

	case WritingOutput:
		return vm.advanceWritingOutput(project)

	case Done:
		return nil

	case NotInstantiated:
		return nil
	}
	return nil
}

func loadProject(s cmn.Storage, path string) (*cfg.ProjectDescriptor, error) {
	var p cfg.ProjectDescriptor
	if err := cmn.LoadJSON(s, path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func saveProject(s cmn.Storage, path string, p *cfg.ProjectDescriptor) error {
	return cmn.SaveJSON(s, path, p)
}

func (vm *VolumeManager) advancePreProcessing() error {
	if !cmn.Exists(vm.s, vm.Mrd) {
		return nil // transient: raw file not yet copied
	}
	m, err := raw.Open(vm.s, vm.Mrd)
	if err != nil {
		return err
	}
	if err := m.LoadVolume(vm.MrdVolOffset); err != nil {
		return err
	}
	samples, err := m.Floats()
	if err != nil {
		return err
	}
	pe, err := petable.Open(vm.s, vm.PhaseTable)
	if err != nil {
		return err
	}
	mrdStem := stemOf(vm.Mrd)
	kspaceBase := filepath.Join(vm.workdir, mrdStem+"_kspace")
	nLines, nReadout, _ := m.DimTuple()
	if err := grid.Write(vm.s, kspaceBase, samples, nLines, nReadout, pe); err != nil {
		return err
	}
	vm.Kspace = &kspaceBase
	return vm.advanceState()
}

func (vm *VolumeManager) advanceReconstructing(project *cfg.ProjectDescriptor) error {
	if vm.Kspace == nil {
		return cmn.Tagf(cmn.KindIoCorrupt, nil, "volume manager %s: Reconstructing without a kspace path", vm.File)
	}
	mrdStem := stemOf(vm.Mrd)
	imageBase := filepath.Join(vm.workdir, mrdStem+"_imspace")

	sens, err := solver.EnsureSensitivity(vm.s, &project.SolverSettings, *vm.Kspace)
	if err != nil {
		return err
	}
	if err := saveProject(vm.s, vm.ReconSettings, project); err != nil {
		return err
	}
	if err := solver.Pics(project.SolverSettings, *vm.Kspace, sens, imageBase); err != nil {
		return err
	}
	vm.Imspace = &imageBase
	return vm.advanceState()
}

func (vm *VolumeManager) advanceWritingOutput(project *cfg.ProjectDescriptor) error {
	if vm.Imspace == nil {
		return cmn.Tagf(cmn.KindIoCorrupt, nil, "volume manager %s: WritingOutput without an imspace path", vm.File)
	}
	outdir := filepath.Join(filepath.Dir(vm.File), "image")
	if !cmn.Exists(vm.s, outdir) {
		if err := vm.s.MkdirAll(outdir, 0o755); err != nil {
			return cmn.Tagf(cmn.KindIoMissing, err, "mkdir %s", outdir)
		}
	}

	tag := vm.tag()
	imgName := fmt.Sprintf("%s_m%s", project.Label, tag)
	runWorkdir := filepath.Dir(filepath.Dir(vm.File))

	var slicePaths []string
	var advanced bool
	if vm.isVolumeZero() {
		mag, dims, err := quant.Magnitude(vm.s, *vm.Imspace)
		if err != nil {
			return err
		}
		const histoPercent = 0.9995
		scale, err := quant.Scale(mag, histoPercent)
		if err != nil {
			return err
		}
		if err := cfg.SaveScalingRecord(vm.s, runWorkdir, cfg.ScalingRecord{HistoPercent: histoPercent, ScaleFactor: scale}); err != nil {
			return err
		}
		paths, err := quant.WriteSlices(vm.s, mag, dims, scale, outdir, imgName, "t9imx")
		if err != nil {
			return err
		}
		slicePaths = paths
		advanced = true
	} else {
		rec, err := cfg.LoadScalingRecord(vm.s, runWorkdir)
		if err != nil {
			if cmn.Transient(err) {
				return nil // not advancing: rendezvous pending
			}
			return err
		}
		mag, dims, err := quant.Magnitude(vm.s, *vm.Imspace)
		if err != nil {
			return err
		}
		paths, err := quant.WriteSlices(vm.s, mag, dims, rec.ScaleFactor, outdir, imgName, "t9imx")
		if err != nil {
			return err
		}
		slicePaths = paths
		advanced = true
	}
	if !advanced {
		return nil
	}

	headfilePath, err := vm.writeHeadfile(outdir, imgName)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(outdir, imgName+".tar")
	if err := archive.Bundle(vm.s, archivePath, archive.Tar, headfilePath, slicePaths); err != nil {
		nlog.Warningf("archiving %s failed (non-fatal): %v", archivePath, err)
	}

	return vm.advanceState()
}

func (vm *VolumeManager) writeHeadfile(outdir, imgName string) (string, error) {
	suffix := vm.MetaSuffix
	if suffix == "" {
		suffix = "_meta.txt"
	}
	mrdDir := filepath.Dir(vm.Mrd)
	metaPath := filepath.Join(mrdDir, stemOf(vm.Mrd)+suffix)
	hf, err := headfile.FromMeta(vm.s, metaPath)
	if err != nil {
		return "", err
	}
	path := filepath.Join(outdir, imgName+".headfile")
	if err := hf.Write(vm.s, path); err != nil {
		return "", err
	}
	return path, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
