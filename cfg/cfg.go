// Package cfg implements the configuration and persisted-record
// component (C10): ReconDescriptor, ScannerDescriptor, ProjectDescriptor,
// ScalingRecord, and JobRegistry, all persisted as human-readable JSON.
package cfg

import (
	"path/filepath"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
)

// SolverSettings configures the external solver invocation.
type SolverSettings struct {
	SolverBinary       string  `json:"solver_binary"`
	MaxIter            int     `json:"max_iter"`
	Algorithm          string  `json:"algorithm"`
	RespectScaling     bool    `json:"respect_scaling"`
	Regularization     float64 `json:"regularization"`
	Debug              bool    `json:"debug"`
	CoilSensitivity    string  `json:"coil_sensitivity"`
	CoilSensitivityDims []int  `json:"coil_sensitivity_dims,omitempty"`
}

func defaultSolverSettings() SolverSettings {
	return SolverSettings{
		SolverBinary:   "bart",
		MaxIter:        36,
		Algorithm:      "l1",
		RespectScaling: true,
		Regularization: 0.005,
		Debug:          true,
	}
}

// ProjectDescriptor is per-project reconstruction configuration: label,
// project code, and embedded solver settings.
type ProjectDescriptor struct {
	Label          string         `json:"label"`
	ProjectCode    string         `json:"project_code"`
	SolverSettings SolverSettings `json:"solver_settings"`
}

func projectPath(dir, label string) string { return filepath.Join(dir, label+".project.json") }

// OpenProject opens the project descriptor for label under dir, creating
// and persisting a template if absent.
func OpenProject(s cmn.Storage, dir, label string) (*ProjectDescriptor, error) {
	path := projectPath(dir, label)
	if !cmn.Exists(s, path) {
		p := &ProjectDescriptor{Label: label, SolverSettings: defaultSolverSettings()}
		if err := cmn.SaveJSON(s, path, p); err != nil {
			return nil, err
		}
		nlog.Infof("created project descriptor template at %s", path)
		return p, nil
	}
	var p ProjectDescriptor
	if err := cmn.LoadJSON(s, path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ScannerDescriptor identifies the remote acquisition host and naming
// conventions for a given scanner.
type ScannerDescriptor struct {
	Label          string `json:"label"`
	RemoteUser     string `json:"remote_user"`
	RemoteHost     string `json:"remote_host"`
	Vendor         string `json:"vendor"`
	MetaSuffix     string `json:"meta_suffix"`
	ImagePrefix    string `json:"image_prefix"`
	RunnoPrefix    string `json:"runno_prefix"`
}

func scannerPath(dir, label string) string { return filepath.Join(dir, label+".scanner.json") }

// OpenScanner opens the scanner descriptor for label under dir, creating
// a template if absent -- the first-run self-bootstrapping behavior
// required by §4.10.
func OpenScanner(s cmn.Storage, dir, label string) (*ScannerDescriptor, error) {
	path := scannerPath(dir, label)
	if !cmn.Exists(s, path) {
		d := &ScannerDescriptor{
			Label:       label,
			MetaSuffix:  "_meta.txt",
			ImagePrefix: "t9imx",
			RunnoPrefix: "m",
		}
		if err := cmn.SaveJSON(s, path, d); err != nil {
			return nil, err
		}
		nlog.Infof("created scanner descriptor template at %s", path)
		return d, nil
	}
	var d ScannerDescriptor
	if err := cmn.LoadJSON(s, path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ReconDescriptor is the one-per-run record: identifiers, paths, and the
// embedded scanner/project descriptors.
type ReconDescriptor struct {
	Run              string             `json:"run"`
	Specimen         string             `json:"specimen"`
	RawDataPointer   string             `json:"raw_data_pointer"`
	EngineWorkDir    string             `json:"engine_work_dir"`
	Operator         string             `json:"operator"`
	ExpectedVolumes  *int               `json:"expected_volumes,omitempty"`
	Scanner          *ScannerDescriptor `json:"scanner"`
	Project          *ProjectDescriptor `json:"project"`
}

func reconPath(workdir, run string) string { return filepath.Join(workdir, run+".recon.json") }

// OpenRecon opens or creates the ReconDescriptor for run at workdir.
func OpenRecon(s cmn.Storage, workdir, run string, scanner *ScannerDescriptor, project *ProjectDescriptor) (*ReconDescriptor, error) {
	path := reconPath(workdir, run)
	if cmn.Exists(s, path) {
		var r ReconDescriptor
		if err := cmn.LoadJSON(s, path, &r); err != nil {
			return nil, err
		}
		return &r, nil
	}
	r := &ReconDescriptor{
		Run:           run,
		EngineWorkDir: workdir,
		Scanner:       scanner,
		Project:       project,
	}
	if err := r.Save(s); err != nil {
		return nil, err
	}
	return r, nil
}

// Save persists the ReconDescriptor, as mutated by the supervisor.
func (r *ReconDescriptor) Save(s cmn.Storage) error {
	return cmn.SaveJSON(s, reconPath(r.EngineWorkDir, r.Run), r)
}

// SetExpectedVolumes records the volume count once the index is first
// read, matching the original's "optional, filled when first read".
func (r *ReconDescriptor) SetExpectedVolumes(s cmn.Storage, n int) error {
	r.ExpectedVolumes = &n
	return r.Save(s)
}

// ScalingRecord is written once, by volume zero, and read by every other
// volume's WritingOutput->Done transition (Invariant 2: immutable once
// written).
type ScalingRecord struct {
	HistoPercent float64 `json:"histo_percent"`
	ScaleFactor  float32 `json:"scale_factor"`
}

// ScalingRecordPath is the well-known path for a run's scaling record.
func ScalingRecordPath(runWorkdir string) string {
	return filepath.Join(runWorkdir, "image-scaling.json")
}

// SaveScalingRecord writes rec at the well-known path. Callers must only
// do this from the volume-zero path -- nothing here enforces
// write-once; that invariant is upheld by C8's branching, not by C10.
func SaveScalingRecord(s cmn.Storage, runWorkdir string, rec ScalingRecord) error {
	return cmn.SaveJSON(s, ScalingRecordPath(runWorkdir), &rec)
}

// LoadScalingRecord reads the scaling record, tagging a missing or
// malformed file as transient (RendezvousPending) per §7.
func LoadScalingRecord(s cmn.Storage, runWorkdir string) (ScalingRecord, error) {
	var rec ScalingRecord
	path := ScalingRecordPath(runWorkdir)
	if !cmn.Exists(s, path) {
		return rec, cmn.Tagf(cmn.KindRendezvousPending, nil, "scaling record %s not yet written", path)
	}
	if err := cmn.LoadJSON(s, path, &rec); err != nil {
		return rec, cmn.Tagf(cmn.KindRendezvousPending, err, "scaling record %s malformed", path)
	}
	return rec, nil
}

// JobRegistry maps a per-volume subdirectory to the most recent cluster
// job id launched for it. Persisted atomically each supervisor pass.
type JobRegistry struct {
	Jobs map[string]string `json:"jobs"`

	path string
}

func jobRegistryPath(runWorkdir string) string {
	return filepath.Join(runWorkdir, "job-registry.json")
}

// OpenJobRegistry loads the registry at runWorkdir, or returns an empty
// one on first pass.
func OpenJobRegistry(s cmn.Storage, runWorkdir string) (*JobRegistry, error) {
	path := jobRegistryPath(runWorkdir)
	reg := &JobRegistry{Jobs: map[string]string{}, path: path}
	if cmn.Exists(s, path) {
		if err := cmn.LoadJSON(s, path, reg); err != nil {
			return nil, err
		}
		reg.path = path
	}
	return reg, nil
}

// Set records volDir's most recent job id.
func (j *JobRegistry) Set(volDir, jobID string) {
	if j.Jobs == nil {
		j.Jobs = map[string]string{}
	}
	j.Jobs[volDir] = jobID
}

// Save persists the registry -- the last action of a supervisor pass.
func (j *JobRegistry) Save(s cmn.Storage) error {
	return cmn.SaveJSON(s, j.path, j)
}
