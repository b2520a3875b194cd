// Package solver wraps invocation of the external iterative
// reconstruction solver (the "pics" black-box subprocess) and its
// companion unit-sensitivity generator ("ones").
package solver

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/grid"
	"github.com/civm-dev/cs-reco/cmn/nlog"
)

// UnitSensitivity invokes `<binary> ones <ndim> <dims...> <path>` to
// generate a unit-valued coil-sensitivity array sized to dims.
func UnitSensitivity(binary, path string, dims []int) error {
	args := []string{"ones", strconv.Itoa(len(dims))}
	for _, d := range dims {
		args = append(args, strconv.Itoa(d))
	}
	args = append(args, path)
	nlog.Infof("writing unit sensitivity: %s %v", binary, args)
	if err := exec.Command(binary, args...).Run(); err != nil {
		return cmn.Tagf(cmn.KindSubprocessFailed, err, "generate unit sensitivity at %s", path)
	}
	return nil
}

// EnsureSensitivity returns a sensitivity path usable with kspaceBase's
// dimensions, regenerating a unit-sensitivity array whenever none was
// configured or its cached dims don't match the k-space dims (mirrors
// the original's set_unit_sens_from_cfl re-derivation, cached instead of
// always recomputed -- see SPEC_FULL.md §3).
func EnsureSensitivity(s cmn.Storage, settings *cfg.SolverSettings, kspaceBase string) (string, error) {
	kdims, err := grid.GetDims(s, kspaceBase)
	if err != nil {
		return "", err
	}
	if settings.CoilSensitivity != "" && dimsEqual(settings.CoilSensitivityDims, kdims) {
		return settings.CoilSensitivity, nil
	}
	sensPath := kspaceBase + "_sens"
	if err := UnitSensitivity(settings.SolverBinary, sensPath, kdims); err != nil {
		return "", err
	}
	settings.CoilSensitivity = sensPath
	settings.CoilSensitivityDims = kdims
	return sensPath, nil
}

func dimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Pics invokes the solver: `<binary> pics -<algo> -r<reg> -i<iter> [-S]
// [-d5] <kspace> <sensitivity> <image>`. A nonzero exit is fatal.
func Pics(settings cfg.SolverSettings, kspaceBase, sensitivity, imageBase string) error {
	args := []string{
		"pics",
		"-" + settings.Algorithm,
		fmt.Sprintf("-r%v", settings.Regularization),
		fmt.Sprintf("-i%d", settings.MaxIter),
	}
	if settings.RespectScaling {
		args = append(args, "-S")
	}
	if settings.Debug {
		args = append(args, "-d5")
	}
	args = append(args, kspaceBase, sensitivity, imageBase)
	nlog.Infof("running solver: %s %v", settings.SolverBinary, args)
	if err := exec.Command(settings.SolverBinary, args...).Run(); err != nil {
		return cmn.Tagf(cmn.KindSubprocessFailed, err, "solver failed for %s", kspaceBase)
	}
	return nil
}
