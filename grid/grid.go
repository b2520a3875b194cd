// Package grid implements the zero-fill grid writer (C3): placing
// compressed k-space samples into a full Cartesian grid according to a
// phase-encode table, and the dual-file (.cfl/.hdr) array format shared
// by the grid writer's output and the quantizer's input.
package grid

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/petable"
)

// Write zero-fills raw's currently-loaded volume samples (shaped
// (nLines, nReadout, 2) per the raw reader) into a (size, size, nReadout, 2)
// grid using pe's Indices, then emits basePath+".cfl" (little-endian
// float32, C-order) and basePath+".hdr" (the "# Dimensions" header).
//
// samples must hold nLines*nReadout*2 float32 values, matching the raw
// reader's DimTuple for the loaded volume.
func Write(s cmn.Storage, basePath string, samples []float32, nLines, nReadout int, pe *petable.Petable) error {
	indices, err := pe.Indices()
	if err != nil {
		return err
	}
	if len(indices) != nLines {
		return cmn.Tagf(cmn.KindParseError, nil, "phase table has %d entries, raw volume has %d lines", len(indices), nLines)
	}

	size := pe.Size
	const complexAxis = 2
	grid := make([]float32, size*size*nReadout*complexAxis)
	rowLen := nReadout * complexAxis

	stride0 := size * rowLen // stride for first grid axis (ky)
	for i, idx := range indices {
		ky, kz := idx[0], idx[1]
		if ky < 0 || ky >= size || kz < 0 || kz >= size {
			return cmn.Tagf(cmn.KindParseError, nil, "phase table index (%d,%d) out of bounds for size %d", ky, kz, size)
		}
		srcOff := i * rowLen
		dstOff := ky*stride0 + kz*rowLen
		copy(grid[dstOff:dstOff+rowLen], samples[srcOff:srcOff+rowLen])
	}

	raw := make([]byte, len(grid)*4)
	for i, f := range grid {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(f))
	}
	if err := s.WriteFile(basePath+".cfl", raw, 0o644); err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "write grid data %s.cfl", basePath)
	}
	hdr := fmt.Sprintf("# Dimensions\n%d %d %d 1 1", nReadout, size, size)
	if err := s.WriteFile(basePath+".hdr", []byte(hdr), 0o644); err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "write grid header %s.hdr", basePath)
	}
	return nil
}

// Load decodes basePath+".cfl" as little-endian float32 samples.
func Load(s cmn.Storage, basePath string) ([]float32, error) {
	data, err := s.ReadFile(basePath + ".cfl")
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "read grid data %s.cfl", basePath)
	}
	if len(data)%4 != 0 {
		return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "grid data %s.cfl is not a whole number of float32 samples", basePath)
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out, nil
}

// GetDims reads basePath+".hdr" and returns the dimensions listed on the
// line following "# Dimensions", filtering out unit-sized trailing axes.
func GetDims(s cmn.Storage, basePath string) ([]int, error) {
	data, err := s.ReadFile(basePath + ".hdr")
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "read grid header %s.hdr", basePath)
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "# Dimensions") {
			if i+1 >= len(lines) {
				return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "grid header %s.hdr: missing dimensions line", basePath)
			}
			fields := strings.Fields(lines[i+1])
			dims := make([]int, 0, len(fields))
			for _, f := range fields {
				v, err := strconv.Atoi(f)
				if err != nil {
					continue
				}
				dims = append(dims, v)
			}
			for len(dims) > 0 && dims[len(dims)-1] == 1 {
				dims = dims[:len(dims)-1]
			}
			return dims, nil
		}
	}
	return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "grid header %s.hdr: no # Dimensions section", basePath)
}
