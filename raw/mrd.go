// Package raw implements the scanner raw-format reader (Mrd): header
// parsing, charcode-to-sample-type decoding, and per-volume loading.
package raw

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/civm-dev/cs-reco/cmn"
)

const (
	offsetToData = 512
	headerSize   = 256
	charcodeOff  = 18
)

// Mrd is an open scanner raw file with its header already parsed.
type Mrd struct {
	Dimension [6]int32
	IsComplex bool
	CharBytes int
	Charcode  int16
	Numel     int32
	NumChars  int32
	DataBytes int
	BytesPerVol int
	NumVolumes  int32

	volBytes []byte
	loaded   bool

	path string
	s    cmn.Storage
}

// Open reads and parses path's 512-byte header. Only the complex-float
// sample type is supported; anything else is KindUnsupportedRawFormat.
func Open(s cmn.Storage, path string) (*Mrd, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "open raw file %s", path)
	}
	if len(data) < offsetToData {
		return nil, cmn.Tagf(cmn.KindIoCorrupt, io.ErrUnexpectedEOF, "raw file %s shorter than header+offset", path)
	}
	header := data[:headerSize]

	var dim [6]int32
	dim[0] = int32(binary.LittleEndian.Uint32(header[0:4]))
	dim[1] = int32(binary.LittleEndian.Uint32(header[4:8]))
	dim[2] = int32(binary.LittleEndian.Uint32(header[8:12]))
	dim[3] = int32(binary.LittleEndian.Uint32(header[12:16]))
	dim[4] = int32(binary.LittleEndian.Uint32(header[152:156]))
	dim[5] = int32(binary.LittleEndian.Uint32(header[156:160]))

	charcode := int16(binary.LittleEndian.Uint16(header[charcodeOff : charcodeOff+2]))
	isComplex := charcode >= 16
	if isComplex {
		charcode -= 16
	}
	var charBytes int
	switch charcode {
	case 0, 1:
		charBytes = 1
	case 2, 3:
		charBytes = 2
	case 4, 5:
		charBytes = 4
	case 6:
		charBytes = 8
	default:
		return nil, cmn.Tagf(cmn.KindUnsupportedRawFormat, nil, "raw file %s: unrecognized charcode %d", path, charcode)
	}
	if charBytes != 4 || !isComplex {
		return nil, cmn.Tagf(cmn.KindUnsupportedRawFormat, nil, "raw file %s: only complex float32 samples are supported", path)
	}

	numel := int32(1)
	for _, d := range dim {
		numel *= d
	}
	complexMult := int32(1)
	if isComplex {
		complexMult = 2
	}
	numChars := numel * complexMult
	dataBytes := charBytes * int(numChars)
	numVols := dim[3] * dim[4] * dim[5]
	if numVols == 0 {
		return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "raw file %s: zero volumes implied by header", path)
	}
	bytesPerVol := dataBytes / int(numVols)

	if len(data) < offsetToData+bytesPerVol*int(numVols) {
		return nil, cmn.Tagf(cmn.KindIoCorrupt, io.ErrUnexpectedEOF, "raw file %s: file shorter than header declares", path)
	}

	return &Mrd{
		Dimension:   dim,
		IsComplex:   isComplex,
		CharBytes:   charBytes,
		Charcode:    charcode,
		Numel:       numel,
		NumChars:    numChars,
		DataBytes:   dataBytes,
		BytesPerVol: bytesPerVol,
		NumVolumes:  numVols,
		path:        path,
		s:           s,
	}, nil
}

// LoadVolume seeks to volume idx's byte range and reads it in full. A
// short read is fatal (KindIoCorrupt) -- the spec treats this as "file is
// corrupt", not "not ready yet".
func (m *Mrd) LoadVolume(idx int) error {
	data, err := m.s.ReadFile(m.path)
	if err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "re-open raw file %s", m.path)
	}
	start := offsetToData + idx*m.BytesPerVol
	end := start + m.BytesPerVol
	if end > len(data) {
		return cmn.Tagf(cmn.KindIoCorrupt, io.ErrUnexpectedEOF, "raw file %s: short read for volume %d", m.path, idx)
	}
	m.volBytes = make([]byte, m.BytesPerVol)
	copy(m.volBytes, data[start:end])
	m.loaded = true
	return nil
}

// Floats decodes the currently loaded volume's bytes as little-endian
// float32 samples.
func (m *Mrd) Floats() ([]float32, error) {
	if !m.loaded {
		return nil, cmn.Tagf(cmn.KindIoMissing, nil, "raw file %s: no volume loaded", m.path)
	}
	n := m.BytesPerVol / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(m.volBytes[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// complexMult returns 2 for complex samples, 1 otherwise.
func (m *Mrd) complexMult() int {
	if m.IsComplex {
		return 2
	}
	return 1
}

// DimTuple is the per-volume shape (n_lines, n_readout, complex_axis) the
// raw reader exposes, matching spec §4.1: (d1*d2, d0, 2).
func (m *Mrd) DimTuple() (nLines, nReadout, complexAxis int) {
	return int(m.Dimension[1] * m.Dimension[2]), int(m.Dimension[0]), m.complexMult()
}

// NumSamples is (d0*d1*d3)*complexMult -- matches the original's `numel()`.
// It equals the length of one loaded volume's float buffer only when
// d2 == d3; Floats returns BytesPerVol/4 samples.
func (m *Mrd) NumSamples() int {
	n := int(m.Dimension[0]) * int(m.Dimension[1]) * int(m.Dimension[3])
	return n * m.complexMult()
}

// DataType names the sample type the charcode decodes to, for diagnostics
// and cross-checking against the declared ScannerDescriptor.
func (m *Mrd) DataType() string {
	switch m.Charcode {
	case 0:
		return "uchar"
	case 1:
		return "char"
	case 2:
		return "short"
	case 3:
		return "int"
	case 4:
		return "long"
	case 5:
		return "float"
	case 6:
		return "double"
	default:
		return "unknown"
	}
}

// NumVols is the volume count the header itself implies (d3*d4*d5),
// exposed so a caller can sanity-check it against a declared run config.
func (m *Mrd) NumVols() int { return int(m.NumVolumes) }
