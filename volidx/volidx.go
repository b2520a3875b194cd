// Package volidx parses the scanner's volume index file: one line per
// volume, either "name.raw" alone (not ready) or "name.raw index" (ready
// at the given index).
package volidx

import (
	"strings"

	"github.com/civm-dev/cs-reco/cmn"
)

// Entry is one volume index line.
type Entry struct {
	Name  string
	Index string // empty if not yet ready
	Ready bool
}

// ReadAll parses every line of path, returning one Entry per line.
func ReadAll(s cmn.Storage, path string) ([]Entry, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return nil, cmn.Tagf(cmn.KindIoMissing, err, "read volume index %s", path)
	}
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			entries = append(entries, Entry{Name: fields[0]})
		case 2:
			entries = append(entries, Entry{Name: fields[0], Index: fields[1], Ready: true})
		default:
			return nil, cmn.Tagf(cmn.KindIoCorrupt, nil, "volume index %s: malformed line %q", path, line)
		}
	}
	return entries, nil
}

// ReadReady returns only the entries already marked ready.
func ReadReady(s cmn.Storage, path string) ([]Entry, error) {
	all, err := ReadAll(s, path)
	if err != nil {
		return nil, err
	}
	ready := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Ready {
			ready = append(ready, e)
		}
	}
	return ready, nil
}
