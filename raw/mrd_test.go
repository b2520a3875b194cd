package raw

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/civm-dev/cs-reco/cmn/ftest"
)

// buildRaw constructs a minimal well-formed raw file: d0=2, d1=1, d2=1,
// d3=numVols (volumes), d4=1, d5=1, complex float32 charcode (16+5=21).
func buildRaw(volSamples []float32, numVols int) []byte {
	const d0 = 2
	header := make([]byte, 512)
	binary.LittleEndian.PutUint32(header[0:4], uint32(d0))
	binary.LittleEndian.PutUint32(header[4:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], 1)
	binary.LittleEndian.PutUint32(header[12:16], uint32(numVols))
	binary.LittleEndian.PutUint32(header[152:156], 1)
	binary.LittleEndian.PutUint32(header[156:160], 1)
	binary.LittleEndian.PutUint16(header[18:20], 21) // complex float32

	body := make([]byte, 0, len(volSamples)*4*numVols)
	for v := 0; v < numVols; v++ {
		for _, f := range volSamples {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, math.Float32bits(f+float32(v)))
			body = append(body, b...)
		}
	}
	return append(header, body...)
}

func TestOpenParsesHeader(t *testing.T) {
	samples := []float32{1, 2, 3, 4, 5, 6} // d0*d1*d2*2(complex) = 2*1*1*2=4... see below
	_ = samples
	// numel = d0*d1*d2*d3*d4*d5 = 2*1*1*3*1*1 = 6; complex doubles chars -> 12 chars * 4 bytes = 48 bytes
	// bytes_per_vol = 48/3 = 16 bytes = 4 float32 per volume
	vol := []float32{1, 2, 3, 4}
	data := buildRaw(vol, 3)

	s := ftest.NewStorage()
	s.Put("/scan.raw", data)

	m, err := Open(s, "/scan.raw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.NumVols() != 3 {
		t.Fatalf("NumVols = %d, want 3", m.NumVols())
	}
	if m.DataType() != "float" {
		t.Fatalf("DataType = %q, want float", m.DataType())
	}
	if !m.IsComplex {
		t.Fatal("expected IsComplex")
	}
	if m.BytesPerVol != 16 {
		t.Fatalf("BytesPerVol = %d, want 16", m.BytesPerVol)
	}
}

func TestLoadVolumeRoundTrips(t *testing.T) {
	vol0 := []float32{10, 20, 30, 40}
	data := buildRaw(vol0, 2)
	s := ftest.NewStorage()
	s.Put("/scan.raw", data)

	m, err := Open(s, "/scan.raw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.LoadVolume(1); err != nil {
		t.Fatalf("LoadVolume: %v", err)
	}
	got, err := m.Floats()
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	want := []float32{11, 21, 31, 41}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOpenRejectsNonComplexFloat(t *testing.T) {
	header := make([]byte, 512)
	binary.LittleEndian.PutUint32(header[0:4], 1)
	binary.LittleEndian.PutUint32(header[4:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], 1)
	binary.LittleEndian.PutUint32(header[12:16], 1)
	binary.LittleEndian.PutUint32(header[152:156], 1)
	binary.LittleEndian.PutUint32(header[156:160], 1)
	binary.LittleEndian.PutUint16(header[18:20], 2) // non-complex short

	s := ftest.NewStorage()
	s.Put("/scan.raw", append(header, make([]byte, 2)...))

	if _, err := Open(s, "/scan.raw"); err == nil {
		t.Fatal("expected error for unsupported raw format")
	}
}

func TestDimTuple(t *testing.T) {
	vol := []float32{1, 2, 3, 4}
	data := buildRaw(vol, 2)
	s := ftest.NewStorage()
	s.Put("/scan.raw", data)

	m, err := Open(s, "/scan.raw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	nLines, nReadout, complexAxis := m.DimTuple()
	if nLines != 1 || nReadout != 2 || complexAxis != 2 {
		t.Fatalf("DimTuple = (%d,%d,%d), want (1,2,2)", nLines, nReadout, complexAxis)
	}
}
