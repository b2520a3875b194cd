package volman

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/civm-dev/cs-reco/cfg"
	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/ftest"
)

// buildRaw constructs a minimal well-formed raw file with a single
// readout line (d1=d2=1) and the given nReadout samples per volume.
func buildRaw(nReadout int, volSamples []float32, numVols int) []byte {
	header := make([]byte, 512)
	binary.LittleEndian.PutUint32(header[0:4], uint32(nReadout))
	binary.LittleEndian.PutUint32(header[4:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], 1)
	binary.LittleEndian.PutUint32(header[12:16], uint32(numVols))
	binary.LittleEndian.PutUint32(header[152:156], 1)
	binary.LittleEndian.PutUint32(header[156:160], 1)
	binary.LittleEndian.PutUint16(header[18:20], 21) // complex float32

	body := make([]byte, 0, len(volSamples)*4*numVols)
	for v := 0; v < numVols; v++ {
		for _, f := range volSamples {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			body = append(body, b[:]...)
		}
	}
	return append(header, body...)
}

// writeCfl writes a dual-file array with header dims (r, size, size) and
// little-endian float32 complex pairs, mirroring grid.Write's convention.
func writeCfl(s *ftest.Storage, base string, r, size int, complexPairs []float32) {
	raw := make([]byte, len(complexPairs)*4)
	for i, f := range complexPairs {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(f))
	}
	s.Put(base+".cfl", raw)
	hdr := []byte(fmtDims(r, size, size))
	s.Put(base+".hdr", hdr)
}

func fmtDims(a, b, c int) string {
	return "# Dimensions\n" + itoa(a) + " " + itoa(b) + " " + itoa(c) + " 1 1"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func writeProject(t *testing.T, s *ftest.Storage, path string) {
	t.Helper()
	proj := &cfg.ProjectDescriptor{
		Label:          "run",
		SolverSettings: cfg.SolverSettings{SolverBinary: "true", Algorithm: "l1", MaxIter: 10},
	}
	if err := cmn.SaveJSON(s, path, proj); err != nil {
		t.Fatalf("SaveJSON project: %v", err)
	}
}

func exists(s *ftest.Storage, path string) bool {
	_, err := s.Stat(path)
	return err == nil
}

func TestAdvancePreProcessingWritesGrid(t *testing.T) {
	s := ftest.NewStorage()
	// petable: size=2, compression=2, single coordinate (-1,-1) -> index (0,0).
	s.Put("/scan/table_cs2_2x_table", []byte("-1\r\n-1"))
	raw := buildRaw(2, []float32{1, 2, 3, 4}, 1)
	s.Put("/scan/vol.raw", raw)
	writeProject(t, s, "/run/run.project.json")

	vm, err := Launch(s, "/run/vols/0", "/scan/vol.raw", "/scan/table_cs2_2x_table", 0, "/run/run.project.json", "")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if vm.State != PreProcessing {
		t.Fatalf("state = %v, want PreProcessing", vm.State)
	}

	if err := vm.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if vm.State != Reconstructing {
		t.Fatalf("state = %v, want Reconstructing", vm.State)
	}
	if vm.Kspace == nil {
		t.Fatal("expected Kspace to be set")
	}
	if !exists(s, *vm.Kspace+".cfl") || !exists(s, *vm.Kspace+".hdr") {
		t.Fatalf("expected grid files at %s", *vm.Kspace)
	}
}

func TestAdvanceWritingOutputVolumeZeroWritesScalingRecordAndArchive(t *testing.T) {
	s := ftest.NewStorage()
	writeProject(t, s, "/run/run.project.json")

	imageBase := "/run/vols/0/vol_imspace"
	writeCfl(s, imageBase, 1, 2, []float32{3, 4, 3, 4, 3, 4, 3, 4}) // magnitude 5 everywhere, 1x2x2 grid

	metaPath := "/run/vols/0/vol_meta.txt"
	s.Put(metaPath, []byte("fov_read=4.0\nfov_phase=4.0\nfov_slice=4.0\n"))

	vm := &VolumeManager{
		File:          "/run/vols/0/volume-manager.json",
		Mrd:           "/run/vols/0/vol.raw",
		ReconSettings: "/run/run.project.json",
		State:         WritingOutput,
		Imspace:       &imageBase,
		workdir:       "/run/vols/0",
		s:             s,
	}
	if err := vm.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := vm.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if vm.State != Done {
		t.Fatalf("state = %v, want Done", vm.State)
	}

	rec, err := cfg.LoadScalingRecord(s, "/run/vols")
	if err != nil {
		t.Fatalf("LoadScalingRecord: %v", err)
	}
	if rec.ScaleFactor == 0 {
		t.Fatal("expected a nonzero scale factor")
	}

	if !exists(s, "/run/vols/0/image/run_m0.tar") {
		t.Fatal("expected archive to be written")
	}
}

func TestAdvanceWritingOutputNonZeroWaitsForRendezvous(t *testing.T) {
	s := ftest.NewStorage()
	writeProject(t, s, "/run/run.project.json")

	imageBase := "/run/vols/1/vol_imspace"
	writeCfl(s, imageBase, 1, 2, []float32{3, 4, 3, 4})
	s.Put("/run/vols/1/vol_meta.txt", []byte("fov_read=4.0\n"))

	vm := &VolumeManager{
		File:          "/run/vols/1/volume-manager.json",
		Mrd:           "/run/vols/1/vol.raw",
		ReconSettings: "/run/run.project.json",
		State:         WritingOutput,
		Imspace:       &imageBase,
		workdir:       "/run/vols/1",
		s:             s,
	}
	if err := vm.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := vm.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if vm.State != WritingOutput {
		t.Fatalf("state = %v, want WritingOutput to still be pending rendezvous", vm.State)
	}
}
