// Package petable parses the phase-encode table that drives the grid
// writer's zero-fill placement.
package petable

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/civm-dev/cs-reco/cmn"
)

var nameRe = regexp.MustCompile(`(?i)_cs([0-9]+)_([0-9]+)x_`)

// Petable is a parsed phase-encode table: its k-space size (square grid
// side) and undersampling factor, derived from the filename itself.
type Petable struct {
	Size        int
	Compression int

	path string
	s    cmn.Storage
}

// Open parses path's filename for the `_CS<size>_<compression>x_` token
// (case-insensitive CS). It does not read the table contents yet --
// Indices does that lazily, matching the original's split between
// cheap metadata and the CRLF-parsed coordinate stream.
func Open(s cmn.Storage, path string) (*Petable, error) {
	name := filepath.Base(path)
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return nil, cmn.Tagf(cmn.KindParseError, nil, "phase table filename %q does not match _CS<size>_<compression>x_", name)
	}
	size, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, cmn.Tagf(cmn.KindParseError, err, "phase table %q: bad size token", name)
	}
	compression, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, cmn.Tagf(cmn.KindParseError, err, "phase table %q: bad compression token", name)
	}
	return &Petable{Size: size, Compression: compression, path: path, s: s}, nil
}

// Coordinates reads the CRLF-separated signed-integer stream and groups
// it into (ky, kz) pairs in order.
func (p *Petable) Coordinates() ([][2]int, error) {
	data, err := p.s.ReadFile(p.path)
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "read phase table %s", p.path)
	}
	fields := strings.Split(string(data), "\r\n")
	vals := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			continue // original's flat_map(|x| x.parse()) silently drops unparsable tokens
		}
		vals = append(vals, v)
	}
	n := len(vals) / 2
	coords := make([][2]int, n)
	for i := 0; i < n; i++ {
		coords[i] = [2]int{vals[2*i], vals[2*i+1]}
	}
	return coords, nil
}

// Indices returns Coordinates offset by Size/2 so each pair becomes a
// non-negative index into a (Size, Size, ...) grid.
func (p *Petable) Indices() ([][2]int, error) {
	coords, err := p.Coordinates()
	if err != nil {
		return nil, err
	}
	offset := p.Size / 2
	out := make([][2]int, len(coords))
	for i, c := range coords {
		out[i] = [2]int{c[0] + offset, c[1] + offset}
	}
	return out, nil
}
