// Package headfile implements the headfile emitter (C5): parsing a
// scanner metadata text file and translating it into the key=value
// headfile format the reconstruction output carries alongside its slices.
package headfile

import (
	"strconv"
	"strings"

	"github.com/civm-dev/cs-reco/cmn"
	"github.com/civm-dev/cs-reco/cmn/nlog"
)

// Headfile is a set of key=value fields, built from a parsed metadata
// file and the fixed rename-and-scale translation table.
type Headfile struct {
	items map[string]string
}

type numericField struct {
	src, dst string
	scale    float64
}

var numericFields = []numericField{
	{"fov_read", "fovx", 1000},
	{"fov_phase", "fovy", 1000},
	{"fov_slice", "fovz", 1000},
	{"echo_time", "te", 1000},
	{"rep_time", "tr", 1_000_000},
	{"flip", "alpha", 1},
	{"bandwidth", "bw", 0.5},
}

var intFields = []numericField{
	{"ppr_no_echoes", "ne", 1},
}

var stringFields = [][2]string{
	{"acq_Sequence", "S_PSDname"},
}

// FromMeta reads path, splits each line on its first "=", and applies
// the rename-and-scale table described in §4.5. Missing source keys log
// a warning; they are never fatal.
func FromMeta(s cmn.Storage, path string) (*Headfile, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "read metadata file %s", path)
	}
	raw := parseKV(string(data))
	hf := &Headfile{items: map[string]string{}}
	for k, v := range raw {
		hf.items[k] = v
	}
	hf.translate(raw)
	return hf, nil
}

func parseKV(text string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		out[line[:idx]] = line[idx+1:]
	}
	return out
}

func (hf *Headfile) translate(raw map[string]string) {
	for _, f := range numericFields {
		v, ok := raw[f.src]
		if !ok {
			nlog.Warningf("%s field not found... not transcribing", f.src)
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			nlog.Warningf("%s field %q is not numeric... not transcribing", f.src, v)
			continue
		}
		hf.items[f.dst] = formatFloat(n * f.scale)
	}
	for _, f := range intFields {
		v, ok := raw[f.src]
		if !ok {
			nlog.Warningf("%s field not found... not transcribing", f.src)
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			nlog.Warningf("%s field %q is not an integer... not transcribing", f.src, v)
			continue
		}
		hf.items[f.dst] = strconv.FormatInt(n*int64(f.scale), 10)
	}
	for _, pair := range stringFields {
		src, dst := pair[0], pair[1]
		v, ok := raw[src]
		if !ok {
			nlog.Warningf("%s field not found... not transcribing", src)
			continue
		}
		hf.items[dst] = v
	}
	hf.items["F_imgformat"] = "raw"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// AppendField sets key to value's string form, overwriting and logging
// any previous value.
func (hf *Headfile) AppendField(key, value string) {
	if old, ok := hf.items[key]; ok {
		nlog.Infof("value %s updated to %s", old, value)
	}
	hf.items[key] = value
}

// Write emits the headfile as key=value lines; field order is not
// guaranteed (matches §4.5).
func (hf *Headfile) Write(s cmn.Storage, path string) error {
	var b strings.Builder
	for k, v := range hf.items {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if err := s.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return cmn.Tagf(cmn.KindIoMissing, err, "write headfile %s", path)
	}
	return nil
}
