package sched_test

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/sched"
	"github.com/civm-dev/cs-reco/volman"
)

// buildRaw constructs a minimal well-formed raw file: a single readout
// line (d1=d2=1), nReadout complex-float32 samples, one volume.
func buildRaw(nReadout int, volSamples []float32) []byte {
	header := make([]byte, 512)
	binary.LittleEndian.PutUint32(header[0:4], uint32(nReadout))
	binary.LittleEndian.PutUint32(header[4:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], 1)
	binary.LittleEndian.PutUint32(header[12:16], 1)
	binary.LittleEndian.PutUint32(header[152:156], 1)
	binary.LittleEndian.PutUint32(header[156:160], 1)
	binary.LittleEndian.PutUint16(header[18:20], 21) // complex float32

	body := make([]byte, len(volSamples)*4)
	for i, f := range volSamples {
		binary.LittleEndian.PutUint32(body[i*4:i*4+4], math.Float32bits(f))
	}
	return append(header, body...)
}

// runVolumeManager drives one volume's FSM to a fixed point, standing in
// for the batch job that would otherwise invoke the cs-reco binary on the
// cluster. Returns the VolumeManager at whatever state it settles on.
func runVolumeManager(workdir, mrdPath, phaseTable, projectPath string) *volman.VolumeManager {
	vm, err := volman.Launch(cmn.RealStorage, workdir, mrdPath, phaseTable, 0, projectPath, "_meta.txt")
	Expect(err).NotTo(HaveOccurred())
	advanceToFixedPoint(vm)
	return vm
}

func advanceToFixedPoint(vm *volman.VolumeManager) {
	for vm.State != volman.Done {
		prev := vm.State
		Expect(vm.Advance()).To(Succeed())
		if vm.State == prev {
			return
		}
	}
}

func sacctDir(dir string) string { return filepath.Join(dir, "sacct") }
func sbatchDir(dir string) string { return filepath.Join(dir, "sbatch") }

func setJobState(dir, jobID, state string) {
	Expect(os.MkdirAll(sacctDir(dir), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(sacctDir(dir), jobID), []byte(state+"\n"), 0o644)).To(Succeed())
}

var _ = Describe("supervisor pass", func() {
	var (
		root, scanDir, workdir, submitBin, accountBin, phaseTable, projectPath string
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cs-reco-bdd-")
		Expect(err).NotTo(HaveOccurred())

		scanDir = filepath.Join(root, "scan")
		workdir = filepath.Join(root, "run")
		Expect(os.MkdirAll(scanDir, 0o755)).To(Succeed())
		Expect(os.MkdirAll(workdir, 0o755)).To(Succeed())

		phaseTable = filepath.Join(scanDir, "table_cs2_2x_table")
		Expect(os.WriteFile(phaseTable, []byte("-1\r\n-1"), 0o644)).To(Succeed())

		projectPath = filepath.Join(workdir, "run.project.json")
		proj := &cfg.ProjectDescriptor{
			Label:          "run",
			SolverSettings: cfg.SolverSettings{SolverBinary: "true", Algorithm: "l1", MaxIter: 10},
		}
		Expect(cmn.SaveJSON(cmn.RealStorage, projectPath, proj)).To(Succeed())

		wd, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		submitBin = filepath.Join(wd, "testdata", "fake_sbatch.sh")
		accountBin = filepath.Join(wd, "testdata", "fake_sacct.sh")

		Expect(os.Setenv("FAKE_SBATCH_DIR", sbatchDir(root))).To(Succeed())
		Expect(os.Setenv("FAKE_SACCT_DIR", sacctDir(root))).To(Succeed())
	})

	AfterEach(func() {
		os.Unsetenv("FAKE_SBATCH_DIR")
		os.Unsetenv("FAKE_SACCT_DIR")
		os.RemoveAll(root)
	})

	// Scenario 1: a single ready volume, end to end.
	It("fetches, submits, and completes one ready volume", func() {
		rawBytes := buildRaw(2, []float32{1, 2, 3, 4})
		Expect(os.WriteFile(filepath.Join(scanDir, "foo.raw"), rawBytes, 0o644)).To(Succeed())

		indexPath := filepath.Join(workdir, "volume_index.txt")
		Expect(os.WriteFile(indexPath, []byte("foo.raw 0\n"), 0o644)).To(Succeed())

		Expect(os.WriteFile(filepath.Join(scanDir, "foo_meta.txt"),
			[]byte("fov_read=4.0\nfov_phase=4.0\nfov_slice=4.0\n"), 0o644)).To(Succeed())

		c := sched.Config{
			Workdir:       workdir,
			VolumeIndex:   indexPath,
			PhaseTable:    phaseTable,
			ProjectPath:   projectPath,
			RawBasePath:   scanDir,
			MetaSuffix:    "_meta.txt",
			SubmitBin:     submitBin,
			AccountBin:    accountBin,
			GetJobRetries: 0,
		}

		result, err := sched.RunOnce(cmn.RealStorage, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.VolumesTotal).To(Equal(1))
		Expect(result.VolumesDone).To(Equal(0))
		Expect(result.ResourcesPending).To(Equal(0), "a local cp completes synchronously within the same pass")

		voldir := filepath.Join(workdir, "raw", "0")
		mrdPath := filepath.Join(voldir, "foo.raw")
		Expect(mrdPath).To(BeAnExistingFile())

		// The supervisor's transfer pass also fetches the sidecar metadata
		// file named by MetaSuffix, alongside the raw data.
		Expect(filepath.Join(voldir, "foo_meta.txt")).To(BeAnExistingFile())

		runVolumeManager(voldir, mrdPath, phaseTable, projectPath)

		result2, err := sched.RunOnce(cmn.RealStorage, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result2.VolumesDone).To(Equal(1))

		imageDir := filepath.Join(voldir, "image")
		Expect(filepath.Join(imageDir, "run_m0.headfile")).To(BeAnExistingFile())
		for _, j := range []int{0, 1} {
			slice := filepath.Join(imageDir, fmt.Sprintf("run_m0t9imx.%03d.raw", j))
			info, err := os.Stat(slice)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size()).To(BeEquivalentTo(8)) // 2 * d0 * d2 = 2*2*2
		}
	})

	// Scenario 2: two volumes, non-zero volume finishes first and must
	// wait for volume zero's rendezvous artifact before it can reach Done.
	It("relaunches a completed non-zero job until rendezvous succeeds", func() {
		Expect(os.WriteFile(filepath.Join(scanDir, "a.raw"), buildRaw(2, []float32{1, 2, 3, 4}), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(scanDir, "b.raw"), buildRaw(2, []float32{5, 6, 7, 8}), 0o644)).To(Succeed())

		Expect(os.WriteFile(filepath.Join(scanDir, "a_meta.txt"), []byte("fov_read=4.0\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(scanDir, "b_meta.txt"), []byte("fov_read=4.0\n"), 0o644)).To(Succeed())

		indexPath := filepath.Join(workdir, "volume_index.txt")
		Expect(os.WriteFile(indexPath, []byte("a.raw 0\nb.raw 1\n"), 0o644)).To(Succeed())

		c := sched.Config{
			Workdir:       workdir,
			VolumeIndex:   indexPath,
			PhaseTable:    phaseTable,
			ProjectPath:   projectPath,
			RawBasePath:   scanDir,
			MetaSuffix:    "_meta.txt",
			SubmitBin:     submitBin,
			AccountBin:    accountBin,
			GetJobRetries: 0,
		}

		result, err := sched.RunOnce(cmn.RealStorage, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.VolumesTotal).To(Equal(2))

		voldirA := filepath.Join(workdir, "raw", "0")
		voldirB := filepath.Join(workdir, "raw", "1")
		mrdA := filepath.Join(voldirA, "a.raw")
		mrdB := filepath.Join(voldirB, "b.raw")
		Expect(filepath.Join(voldirA, "a_meta.txt")).To(BeAnExistingFile())
		Expect(filepath.Join(voldirB, "b_meta.txt")).To(BeAnExistingFile())

		// "a" (volume zero) is mid-flight, still solving -- not yet at
		// WritingOutput.
		vmA, err := volman.Launch(cmn.RealStorage, voldirA, mrdA, phaseTable, 0, projectPath, "_meta.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(vmA.State).To(Equal(volman.PreProcessing))
		Expect(vmA.Advance()).To(Succeed())
		Expect(vmA.State).To(Equal(volman.Reconstructing))

		// "b"'s solver finishes first; its batch job runs to completion
		// but can't write output without volume zero's ScalingRecord.
		vmB := runVolumeManager(voldirB, mrdB, phaseTable, projectPath)
		Expect(vmB.State).To(Equal(volman.WritingOutput))

		_, ok := registryJobID(workdir, voldirA)
		Expect(ok).To(BeTrue())
		jobB, ok := registryJobID(workdir, voldirB)
		Expect(ok).To(BeTrue())
		setJobState(root, jobB, "completed")
		// jobA's accounting state is left unreported ("unknown") -- its
		// volume is still actively Reconstructing, not eligible for relaunch.

		result2, err := sched.RunOnce(cmn.RealStorage, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result2.VolumesDone).To(Equal(0))
		Expect(result2.JobsByState["completed"]).To(Equal(1))

		// "a" finishes, writing slices and the rendezvous ScalingRecord.
		Expect(vmA.Advance()).To(Succeed()) // Reconstructing -> WritingOutput
		Expect(vmA.Advance()).To(Succeed()) // WritingOutput -> Done (volume zero)
		Expect(vmA.State).To(Equal(volman.Done))

		// "b"'s relaunch now finds the record and finishes.
		Expect(vmB.Advance()).To(Succeed())
		Expect(vmB.State).To(Equal(volman.Done))

		result3, err := sched.RunOnce(cmn.RealStorage, c)
		Expect(err).NotTo(HaveOccurred())
		Expect(result3.VolumesDone).To(Equal(2))
	})
})

// registryJobID reads back the job registry's recorded job id for voldir,
// mirroring cfg.OpenJobRegistry without exporting its internals further.
func registryJobID(workdir, voldir string) (string, bool) {
	reg, err := cfg.OpenJobRegistry(cmn.RealStorage, workdir)
	if err != nil {
		return "", false
	}
	id, ok := reg.Jobs[voldir]
	return id, ok
}
