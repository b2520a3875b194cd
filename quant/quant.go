// Package quant implements the image quantizer (C4): magnitude
// computation, sort-based 16-bit saturation scale, and big-endian
// unsigned 16-bit slice emission.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/grid"
)

// Magnitude loads basePath's dual-file array and returns per-voxel
// magnitude = sqrt(real^2 + imag^2), flattened in the same (d2, d1, d0)
// row-major order the original uses -- the header's declared dims are
// stored in reverse memory order, so dims[2],dims[1],dims[0] recovers the
// true (outer, ..., inner) shape before flattening.
func Magnitude(s cmn.Storage, basePath string) ([]float32, []int, error) {
	dims, err := grid.GetDims(s, basePath)
	if err != nil {
		return nil, nil, err
	}
	if len(dims) != 3 {
		return nil, nil, cmn.Tagf(cmn.KindParseError, nil, "quantizer: %s.hdr declares %d dims, need 3", basePath, len(dims))
	}
	samples, err := grid.Load(s, basePath)
	if err != nil {
		return nil, nil, err
	}
	d0, d1, d2 := dims[2], dims[1], dims[0]
	want := d0 * d1 * d2 * 2
	if len(samples) != want {
		return nil, nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "quantizer: %s has %d samples, want %d for dims %v", basePath, len(samples), want, dims)
	}
	n := d0 * d1 * d2
	mag := make([]float32, n)
	for i := 0; i < n; i++ {
		re := samples[2*i]
		im := samples[2*i+1]
		mag[i] = float32(math.Sqrt(float64(re*re + im*im)))
	}
	return mag, dims, nil
}

// Scale computes the 16-bit saturation scale for mag: sort ascending,
// take n = round(N*(1-p)), return 65535/mag[N-n+1]. p is typically
// 0.9995. Values at or above the scaled saturation point clamp to 65535
// on output (resolves spec's "wrap vs. clamp" open question in favor of
// clamp -- see SPEC_FULL.md §9).
func Scale(mag []float32, p float64) (float32, error) {
	n := len(mag)
	if n < 2 {
		return 0, cmn.Tagf(cmn.KindParseError, nil, "quantizer: need at least 2 voxels to compute a scale, got %d", n)
	}
	sorted := make([]float32, n)
	copy(sorted, mag)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	nSaturate := int(math.Round(float64(n) * (1 - p)))
	idx := n - nSaturate + 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	denom := sorted[idx]
	if denom == 0 {
		return 0, cmn.Tagf(cmn.KindParseError, nil, "quantizer: saturation magnitude is zero, cannot compute scale")
	}
	return 65535.0 / denom, nil
}

// WriteSlices emits, for each mid-axis slice j in [0, d1), a file
// <outDir>/<label><prefix>.<j:03d>.raw holding d0*d2 big-endian uint16
// samples in row-major order across the remaining two axes.
func WriteSlices(s cmn.Storage, mag []float32, dims []int, scale float32, outDir, label, prefix string) ([]string, error) {
	if len(dims) != 3 {
		return nil, cmn.Tagf(cmn.KindParseError, nil, "quantizer: need 3 dims, got %d", len(dims))
	}
	d0, d1, d2 := dims[2], dims[1], dims[0]
	perImg := d0 * d2
	if len(mag) != d0*d1*d2 {
		return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "quantizer: magnitude length %d does not match dims %v", len(mag), dims)
	}
	if err := s.MkdirAll(outDir, 0o755); err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "mkdir %s", outDir)
	}
	paths := make([]string, 0, d1)
	for j := 0; j < d1; j++ {
		buf := make([]byte, perImg*2)
		k := 0
		for i0 := 0; i0 < d0; i0++ {
			for i2 := 0; i2 < d2; i2++ {
				v := mag[i0*d1*d2+j*d2+i2] * scale
				binary.BigEndian.PutUint16(buf[k*2:k*2+2], clampU16(v))
				k++
			}
		}
		path := fmt.Sprintf("%s/%s%s.%03d.raw", outDir, label, prefix, j)
		if err := s.WriteFile(path, buf, 0o644); err != nil {
			return nil, cmn.Tagf(cmn.KindIoMissing, err, "write slice %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func clampU16(v float32) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
